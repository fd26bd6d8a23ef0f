package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

// levelColor picks the band a level falls into, so custom levels such as
// slog.LevelWarn+2 still get a color.
func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

// lineWriter puts the pending prefix in front of the single line the text
// handler writes for a record. Handle sets prefix under mu.
type lineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (lw *lineWriter) Write(b []byte) (int, error) {
	line := make([]byte, 0, len(lw.prefix)+1+len(b))
	line = append(line, lw.prefix...)
	if len(b) > 0 && b[0] != '\n' {
		line = append(line, ' ')
	}
	line = append(line, b...)
	if _, err := lw.w.Write(line); err != nil {
		return 0, err
	}
	return len(b), nil
}

// ColorTextHandler prints "<colored LEVEL>  <message>" followed by the
// key=value attributes rendered by slog.TextHandler.
type ColorTextHandler struct {
	*slog.TextHandler
	out      *lineWriter
	showTime bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	o := *opts
	inner := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.LevelKey, slog.MessageKey:
				return slog.Attr{}
			case slog.TimeKey:
				if !showTime {
					return slog.Attr{}
				}
			}
		}
		if inner != nil {
			return inner(groups, a)
		}
		return a
	}
	out := &lineWriter{w: w}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(out, &o),
		out:         out,
		showTime:    showTime,
	}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), out: h.out, showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), out: h.out, showTime: h.showTime}
}
