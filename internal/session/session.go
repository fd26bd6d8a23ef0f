// Package session owns the shared state of one run: the pid file, its
// published path, the registry bound to it and the diagnostic watcher.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/partest/internal/diag"
	"github.com/loykin/partest/internal/env"
	"github.com/loykin/partest/internal/pids"
)

// ErrPidFileUnavailable is returned when the pid file path is looked up while
// no session has it published.
var ErrPidFileUnavailable = errors.New("pid file path not available")

// TeardownError reports a failure to release the session's pid file.
type TeardownError struct {
	Path string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("release pid file %s: %v", e.Path, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// LookupPidFile returns the published pid file path from src. Callers log
// the outcome; the lookup itself stays silent.
func LookupPidFile(src env.Source) (string, error) {
	p, ok := src.Lookup(env.PidFile)
	if !ok || p == "" {
		return "", ErrPidFileUnavailable
	}
	return p, nil
}

// Options configure Open.
type Options struct {
	// Dir holds the pid file; empty means os.TempDir().
	Dir string
	// Env receives the published path. Defaults to the process environment.
	Env env.Writer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Diag configures the watcher armed for the session.
	Diag []diag.Option
}

// Session is the context handed to a unit of work. It is created by Open
// and released by Close; it must not be shared across runs.
type Session struct {
	id  string
	env env.Writer
	log *slog.Logger

	mu       sync.Mutex
	file     *os.File
	path     string
	registry *pids.Registry
	closed   bool

	trigger     chan struct{}
	triggerOnce sync.Once
	watcher     *diag.Watcher
}

// Open allocates a fresh pid file, publishes its path, binds the registry and
// arms the diagnostic watcher.
func Open(opts Options) (*Session, error) {
	if opts.Env == nil {
		opts.Env = env.OS{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	log := opts.Logger.With("session", id)

	f, err := os.CreateTemp(opts.Dir, "partest-pidfile-*")
	if err != nil {
		return nil, fmt.Errorf("create pid file: %w", err)
	}
	path := f.Name()
	if err := opts.Env.Set(env.PidFile, path); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("publish pid file path: %w", err)
	}
	log.Info("pid file published", "path", path)

	s := &Session{
		id:       id,
		env:      opts.Env,
		log:      log,
		file:     f,
		path:     path,
		registry: pids.New(path),
		trigger:  make(chan struct{}),
	}
	dopts := append([]diag.Option{diag.WithLogger(log)}, opts.Diag...)
	s.watcher = diag.NewWatcher(dopts...)
	s.watcher.Arm(s.trigger)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Watcher exposes the diagnostic watcher armed for this session.
func (s *Session) Watcher() *diag.Watcher { return s.watcher }

// PidFilePath returns the published path or ErrPidFileUnavailable once it
// has been cleared.
func (s *Session) PidFilePath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return "", ErrPidFileUnavailable
	}
	return s.path, nil
}

// Registry returns the registry bound to the published path.
func (s *Session) Registry() (*pids.Registry, error) {
	path, err := s.PidFilePath()
	if err != nil {
		s.log.Info("pid file being fetched but not available")
		return nil, err
	}
	s.log.Info("pid file being fetched", "path", path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry == nil {
		return nil, ErrPidFileUnavailable
	}
	return s.registry, nil
}

// Count is the number of registered workers.
func (s *Session) Count() (int, error) {
	r, err := s.Registry()
	if err != nil {
		return 0, err
	}
	return r.Count()
}

// Active reports whether the pid file path is still published.
func (s *Session) Active() bool {
	_, err := s.PidFilePath()
	return err == nil
}

// RequestDiagnostics clears the published path, which fires the watcher.
// Later registry lookups fail with ErrPidFileUnavailable.
func (s *Session) RequestDiagnostics() {
	s.mu.Lock()
	cleared := s.clearLocked()
	s.mu.Unlock()
	if cleared {
		s.log.Info("pid file path cleared; diagnostics requested")
	}
	s.triggerOnce.Do(func() { close(s.trigger) })
}

func (s *Session) clearLocked() bool {
	if s.path == "" {
		return false
	}
	s.path = ""
	if err := s.env.Unset(env.PidFile); err != nil {
		s.log.Warn("unset pid file path", "error", err)
	}
	return true
}

// ChildEnv is the environment for worker number index (1-based) of total.
// The first worker gets an empty TEST_ENV_NUMBER.
func (s *Session) ChildEnv(index, total int, base *env.Env) ([]string, error) {
	path, err := s.PidFilePath()
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = env.New()
	}
	num := ""
	if index > 1 {
		num = strconv.Itoa(index)
	}
	return base.Merge([]string{
		env.PidFile + "=" + path,
		env.WorkerIndex + "=" + num,
		env.WorkerTotal + "=" + strconv.Itoa(total),
	}), nil
}

// Close disarms the watcher, unpublishes the path, discards the registry and
// removes the pid file. It is safe to call more than once.
func (s *Session) Close() error {
	s.watcher.Disarm()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.clearLocked()
	s.registry = nil
	s.log.Info("pid file path restored")

	var errs []error
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, err)
	}
	if err := os.Remove(s.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &TeardownError{Path: s.file.Name(), Err: errors.Join(errs...)}
	}
	return nil
}
