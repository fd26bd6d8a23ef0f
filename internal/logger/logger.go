package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config groups the runner's own log output and the per-worker log files.
type Config struct {
	Slog SlogConfig `mapstructure:"slog" yaml:"slog"`
	File FileConfig `mapstructure:"file" yaml:"file"`
}

// SlogConfig controls the structured logger used by the runner itself.
type SlogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug|info|warn|error
	Format     string `mapstructure:"format" yaml:"format"` // text|json
	Color      *bool  `mapstructure:"color" yaml:"color"`   // nil: auto-detect terminal
	TimeStamps bool   `mapstructure:"timestamps" yaml:"timestamps"`
	Source     bool   `mapstructure:"source" yaml:"source"`
	Path       string `mapstructure:"path" yaml:"path"` // rotate runner logs here instead of stderr
}

// FileConfig describes logging destinations for a worker process.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`
	StdoutPath string `mapstructure:"stdout" yaml:"stdout"`
	StderrPath string `mapstructure:"stderr" yaml:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ParseLevel maps a level name to slog.Level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the runner logger. With Path set, output goes to a
// rotating file and color is forced off.
func (c SlogConfig) NewSlogger(w io.Writer) *slog.Logger {
	if c.Path != "" {
		w = rotating(c.Path, FileConfig{})
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level), AddSource: c.Source}
	if !c.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	if c.useColor(w) {
		return slog.New(NewColorTextHandler(w, opts, c.TimeStamps))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c SlogConfig) useColor(w io.Writer) bool {
	if c.Path != "" {
		return false
	}
	if c.Color != nil {
		return *c.Color
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ProcessWriters returns rotating writers for stdout and stderr of the
// worker named name (e.g. worker-3). Explicit paths may contain {worker},
// replaced by name; otherwise Dir yields <Dir>/<name>.stdout.log. A nil
// writer means the stream is not redirected.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	path := func(explicit, stream string) string {
		if explicit != "" {
			return strings.ReplaceAll(explicit, "{worker}", name)
		}
		if f.Dir != "" {
			return filepath.Join(f.Dir, name+"."+stream+".log")
		}
		return ""
	}
	var outW, errW io.WriteCloser
	if p := path(f.StdoutPath, "stdout"); p != "" {
		outW = rotating(p, f)
	}
	if p := path(f.StderrPath, "stderr"); p != "" {
		errW = rotating(p, f)
	}
	return outW, errW, nil
}

func rotating(path string, f FileConfig) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
