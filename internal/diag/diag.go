// Package diag dumps every goroutine stack when a session receives a
// diagnostic request.
//
// A Watcher is armed once per session with a trigger channel. The session
// closes that channel when its shared pid file path is cleared, which is how
// an operator (or the runner's SIGUSR1 handler) asks "show me what is stuck".
// The first trigger moves the watcher from Armed to Fired and writes one dump;
// Fired is terminal until the watcher is armed again.
package diag

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type State int32

const (
	Armed State = iota
	Fired
	Disarmed
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	default:
		return "disarmed"
	}
}

const bannerWidth = 80

// Goroutine is one entry of a stack dump.
type Goroutine struct {
	ID    int
	State string
	Stack []string
}

// Description names the goroutine the way the dump prints it.
func (g Goroutine) Description() string {
	if g.ID == 1 {
		return "Main goroutine"
	}
	return fmt.Sprintf("goroutine %d [%s]", g.ID, g.State)
}

// StackSource enumerates the goroutines to dump.
type StackSource interface {
	Goroutines() []Goroutine
}

// RuntimeStacks reads all goroutine stacks from the Go runtime.
type RuntimeStacks struct{}

func (RuntimeStacks) Goroutines() []Goroutine {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return ParseStacks(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// ParseStacks splits runtime.Stack(all=true) output into goroutines.
func ParseStacks(b []byte) []Goroutine {
	var out []Goroutine
	for _, block := range bytes.Split(bytes.TrimSpace(b), []byte("\n\n")) {
		lines := strings.Split(strings.TrimRight(string(block), "\n"), "\n")
		if len(lines) == 0 {
			continue
		}
		g, ok := parseHeader(lines[0])
		if !ok {
			continue
		}
		g.Stack = lines[1:]
		out = append(out, g)
	}
	return out
}

// parseHeader reads "goroutine 18 [chan receive, 2 minutes]:".
func parseHeader(h string) (Goroutine, bool) {
	rest, ok := strings.CutPrefix(h, "goroutine ")
	if !ok {
		return Goroutine{}, false
	}
	idStr, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return Goroutine{}, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return Goroutine{}, false
	}
	state := strings.TrimSuffix(strings.TrimSpace(rest), ":")
	state = strings.TrimSuffix(strings.TrimPrefix(state, "["), "]")
	return Goroutine{ID: id, State: state}, true
}

// Dump writes the human-readable report for gs.
func Dump(w io.Writer, gs []Goroutine) error {
	var b strings.Builder
	banner := strings.Repeat("=", bannerWidth)
	b.WriteString("\n")
	b.WriteString(banner + "\n")
	fmt.Fprintf(&b, "Received diagnostic request; printing all %d goroutine backtraces.\n", len(gs))
	for _, g := range gs {
		b.WriteString("\n")
		b.WriteString(g.Description() + " backtrace: \n")
		for _, l := range g.Stack {
			b.WriteString(l + "\n")
		}
	}
	b.WriteString(banner + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// Watcher fires at most one dump per arming.
type Watcher struct {
	out    io.Writer
	stacks StackSource
	log    *slog.Logger
	onFire func(goroutines int)

	state atomic.Int32

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	fired chan struct{}
}

type Option func(*Watcher)

// WithOutput sets the dump destination (stdout by default).
func WithOutput(w io.Writer) Option { return func(x *Watcher) { x.out = w } }

// WithStackSource replaces the runtime stack reader.
func WithStackSource(s StackSource) Option { return func(x *Watcher) { x.stacks = s } }

func WithLogger(l *slog.Logger) Option { return func(x *Watcher) { x.log = l } }

// WithOnFire registers a callback run after each dump with the number of
// goroutines printed.
func WithOnFire(fn func(goroutines int)) Option { return func(x *Watcher) { x.onFire = fn } }

func NewWatcher(opts ...Option) *Watcher {
	w := &Watcher{out: os.Stdout, stacks: RuntimeStacks{}, log: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	w.state.Store(int32(Disarmed))
	return w
}

// State reports the current state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Arm resets the watcher to Armed and waits for trigger in the background.
// Arming an already armed watcher disarms the previous wait first.
func (w *Watcher) Arm(trigger <-chan struct{}) {
	w.Disarm()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.fired = make(chan struct{})
	w.state.Store(int32(Armed))
	go w.watch(trigger, w.stop, w.done)
}

func (w *Watcher) watch(trigger <-chan struct{}, stop, done chan struct{}) {
	defer close(done)
	select {
	case <-trigger:
		w.Fire()
	case <-stop:
	}
}

// Fire dumps all goroutines if the watcher is still Armed and reports
// whether it did.
func (w *Watcher) Fire() bool {
	if !w.state.CompareAndSwap(int32(Armed), int32(Fired)) {
		return false
	}
	w.mu.Lock()
	fired := w.fired
	w.mu.Unlock()
	defer close(fired)

	gs := w.stacks.Goroutines()
	w.log.Info("diagnostic dump requested", "goroutines", len(gs))
	if err := Dump(w.out, gs); err != nil {
		w.log.Warn("diagnostic dump failed", "error", err)
	}
	if w.onFire != nil {
		w.onFire(len(gs))
	}
	return true
}

// Fired returns a channel closed once the dump of the current arming has
// been written. It is nil before the first Arm.
func (w *Watcher) Fired() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Disarm stops waiting for the trigger. A dump already in progress completes
// first. The state becomes Disarmed unless the watcher has fired.
func (w *Watcher) Disarm() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.state.CompareAndSwap(int32(Armed), int32(Disarmed))
}
