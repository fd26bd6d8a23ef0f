// Package controller scopes a session around a unit of work and exposes the
// operations a worker performs on its siblings.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/partest/internal/barrier"
	"github.com/loykin/partest/internal/diag"
	"github.com/loykin/partest/internal/env"
	"github.com/loykin/partest/internal/history"
	"github.com/loykin/partest/internal/metrics"
	"github.com/loykin/partest/internal/pids"
	"github.com/loykin/partest/internal/session"
	"github.com/loykin/partest/internal/workers"
)

// ErrSessionActive is returned by Run while another session of the same
// controller is still open.
var ErrSessionActive = errors.New("session already active")

// DeliveryError reports the pid whose interrupt failed. Pids after it in
// registry order were not signaled.
type DeliveryError struct {
	PID int
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("interrupt pid %d: %v", e.PID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Signaler delivers the interrupt to one worker.
type Signaler interface {
	Interrupt(pid int) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(pid int) error

func (f SignalerFunc) Interrupt(pid int) error { return f(pid) }

type Controller struct {
	env      env.Writer
	log      *slog.Logger
	history  history.Sink
	signaler Signaler
	interval time.Duration
	pidDir   string
	diagOpts []diag.Option

	mu      sync.Mutex
	current *session.Session
}

type Option func(*Controller)

// WithEnv replaces the process environment (tests use env.Var).
func WithEnv(w env.Writer) Option { return func(c *Controller) { c.env = w } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithHistory records session events to s.
func WithHistory(s history.Sink) Option { return func(c *Controller) { c.history = s } }

func WithSignaler(s Signaler) Option { return func(c *Controller) { c.signaler = s } }

// WithInterval sets the barrier poll interval.
func WithInterval(d time.Duration) Option { return func(c *Controller) { c.interval = d } }

// WithPidDir sets the directory the pid file is created in.
func WithPidDir(dir string) Option { return func(c *Controller) { c.pidDir = dir } }

func WithDiagOptions(opts ...diag.Option) Option {
	return func(c *Controller) { c.diagOpts = append(c.diagOpts, opts...) }
}

func New(opts ...Option) *Controller {
	c := &Controller{
		env:      env.OS{},
		log:      slog.Default(),
		signaler: OSSignaler{},
		interval: barrier.DefaultInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Current returns the open session or nil.
func (c *Controller) Current() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run opens a session, runs work with it and always tears the session down,
// also when work panics. A teardown failure is joined with work's error.
func (c *Controller) Run(ctx context.Context, work func(ctx context.Context, s *session.Session) error) (err error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	var s *session.Session
	onFire := diag.WithOnFire(func(n int) {
		metrics.IncDiagnosticDump()
		c.record(context.Background(), history.Event{
			Type: history.EventDiagnostics, SessionID: s.ID(), Detail: fmt.Sprintf("%d goroutines", n),
		})
	})
	s, err = session.Open(session.Options{
		Dir:    c.pidDir,
		Env:    c.env,
		Logger: c.log,
		Diag:   append(append([]diag.Option{}, c.diagOpts...), onFire),
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.current = s
	c.mu.Unlock()

	metrics.SessionStarted()
	c.record(ctx, history.Event{Type: history.EventSessionStart, SessionID: s.ID()})

	defer func() {
		terr := s.Close()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		metrics.SessionEnded()
		ev := history.Event{Type: history.EventSessionEnd, SessionID: s.ID()}
		if terr != nil {
			ev.Detail = terr.Error()
			err = errors.Join(err, terr)
		}
		c.record(context.WithoutCancel(ctx), ev)
	}()
	return work(ctx, s)
}

// StopAllProcesses interrupts every registered worker in registration order.
// The first failed delivery aborts with a *DeliveryError.
func (c *Controller) StopAllProcesses(ctx context.Context, s *session.Session) error {
	reg, err := s.Registry()
	if err != nil {
		return err
	}
	return c.stop(ctx, s.ID(), reg)
}

// StopRegistered is StopAllProcesses for a worker that reached the registry
// through PARALLEL_PID_FILE rather than owning the session.
func (c *Controller) StopRegistered(ctx context.Context, reg *pids.Registry) error {
	return c.stop(ctx, "", reg)
}

func (c *Controller) stop(ctx context.Context, sessionID string, reg *pids.Registry) error {
	all, err := reg.PIDs()
	if err != nil {
		return err
	}
	for _, pid := range all {
		if err := c.deliver(ctx, sessionID, pid); err != nil {
			return err
		}
	}
	return nil
}

// Interrupt signals each pid, keeping on past failed deliveries, and
// returns the *DeliveryError values joined. A runner uses it for the
// workers it started itself, registered or not.
func (c *Controller) Interrupt(ctx context.Context, pids ...int) error {
	var errs []error
	for _, pid := range pids {
		if err := c.deliver(ctx, "", pid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) deliver(ctx context.Context, sessionID string, pid int) error {
	if err := c.signaler.Interrupt(pid); err != nil {
		metrics.IncSignal("error")
		c.log.Warn("interrupt failed", "pid", pid, "error", err)
		c.record(ctx, history.Event{Type: history.EventSignal, SessionID: sessionID, PID: pid, Detail: err.Error()})
		return &DeliveryError{PID: pid, Err: err}
	}
	metrics.IncSignal("ok")
	c.log.Info("interrupt sent", "pid", pid)
	c.record(ctx, history.Event{Type: history.EventSignal, SessionID: sessionID, PID: pid, Detail: "interrupt"})
	return nil
}

// WaitForOthersToFinish blocks until this worker is the only one registered.
// It returns at once outside a multi-worker run.
func (c *Controller) WaitForOthersToFinish(ctx context.Context, s *session.Session) error {
	if _, ok := c.env.Lookup(env.WorkerIndex); !ok {
		return nil
	}
	reg, err := s.Registry()
	if err != nil {
		return err
	}
	var werr error
	took := Delta(func() { werr = barrier.Wait(ctx, reg, c.env, c.interval) })
	metrics.ObserveBarrierWait(took.Seconds())
	if werr != nil {
		return werr
	}
	c.record(ctx, history.Event{Type: history.EventBarrierRelease, SessionID: s.ID(), Detail: took.String()})
	return nil
}

// NumberOfRunningProcesses is the count of registered workers.
func (c *Controller) NumberOfRunningProcesses(s *session.Session) (int, error) {
	n, err := s.Count()
	if err != nil {
		return 0, err
	}
	metrics.SetRegisteredPids(n)
	return n, nil
}

func (c *Controller) record(ctx context.Context, e history.Event) {
	if c.history == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := c.history.Send(ctx, e); err != nil {
		c.log.Warn("history send failed", "type", e.Type, "error", err)
	}
}

// FirstProcess reports whether this worker is the first one. An unset or
// blank worker index counts as first.
func FirstProcess(src env.Source) bool {
	return workers.ToInt(env.Get(src, env.WorkerIndex)) <= 1
}

// LastProcess reports whether this worker's index equals the worker total.
// Outside a multi-worker run (neither key set) every process is last.
func LastProcess(src env.Source) bool {
	idx, okIdx := src.Lookup(env.WorkerIndex)
	total, okTotal := src.Lookup(env.WorkerTotal)
	if !okIdx && !okTotal {
		return true
	}
	if !okIdx {
		idx = "1"
	}
	return okTotal && idx == total
}

// Delta returns how long fn took on the monotonic clock.
func Delta(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}
