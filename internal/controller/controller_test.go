package controller

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/partest/internal/diag"
	"github.com/loykin/partest/internal/env"
	"github.com/loykin/partest/internal/history"
	"github.com/loykin/partest/internal/pids"
	"github.com/loykin/partest/internal/session"
)

type recordingSignaler struct {
	mu   sync.Mutex
	got  []int
	fail map[int]error
}

func (r *recordingSignaler) Interrupt(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, pid)
	return r.fail[pid]
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memorySink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.EventType
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type oneStack struct{}

func (oneStack) Goroutines() []diag.Goroutine {
	return []diag.Goroutine{{ID: 1, State: "running"}}
}

func newTestController(t *testing.T, vars env.Var, opts ...Option) *Controller {
	t.Helper()
	base := []Option{
		WithEnv(vars),
		WithPidDir(t.TempDir()),
		WithInterval(10 * time.Millisecond),
		WithDiagOptions(diag.WithOutput(&bytes.Buffer{}), diag.WithStackSource(oneStack{})),
	}
	return New(append(base, opts...)...)
}

func TestFirstProcess(t *testing.T) {
	cases := []struct {
		name string
		vars env.Var
		want bool
	}{
		{"unset", env.Var{}, true},
		{"blank", env.Var{env.WorkerIndex: ""}, true},
		{"one", env.Var{env.WorkerIndex: "1"}, true},
		{"two", env.Var{env.WorkerIndex: "2"}, false},
		{"garbage", env.Var{env.WorkerIndex: "x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FirstProcess(tc.vars))
		})
	}
}

func TestLastProcess(t *testing.T) {
	cases := []struct {
		name string
		vars env.Var
		want bool
	}{
		{"neither set", env.Var{}, true},
		{"index equals total", env.Var{env.WorkerIndex: "3", env.WorkerTotal: "3"}, true},
		{"index below total", env.Var{env.WorkerIndex: "2", env.WorkerTotal: "3"}, false},
		{"missing index defaults to 1", env.Var{env.WorkerTotal: "1"}, true},
		{"missing index with larger total", env.Var{env.WorkerTotal: "4"}, false},
		{"index without total", env.Var{env.WorkerIndex: "2"}, false},
		{"blank first worker", env.Var{env.WorkerIndex: "", env.WorkerTotal: "2"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LastProcess(tc.vars))
		})
	}
}

func TestRunRoundTrip(t *testing.T) {
	vars := env.Var{}
	sink := &memorySink{}
	c := newTestController(t, vars, WithHistory(sink))

	var path string
	err := c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		var err error
		path, err = s.PidFilePath()
		require.NoError(t, err)
		assert.Equal(t, path, vars[env.PidFile])
		assert.Same(t, s, c.Current())

		reg, err := s.Registry()
		require.NoError(t, err)
		for _, pid := range []int{101, 102, 103} {
			require.NoError(t, reg.Add(pid))
		}
		n, err := c.NumberOfRunningProcesses(s)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	})
	require.NoError(t, err)

	assert.Nil(t, c.Current())
	_, ok := vars[env.PidFile]
	assert.False(t, ok, "path should be unpublished after the session")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "pid file should be removed")
	assert.Equal(t, []history.EventType{history.EventSessionStart, history.EventSessionEnd}, sink.types())
}

func TestRegistryUnavailableAfterRun(t *testing.T) {
	c := newTestController(t, env.Var{})
	var kept *session.Session
	require.NoError(t, c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		kept = s
		return nil
	}))
	_, err := kept.Registry()
	assert.ErrorIs(t, err, session.ErrPidFileUnavailable)
	_, err = c.NumberOfRunningProcesses(kept)
	assert.ErrorIs(t, err, session.ErrPidFileUnavailable)
	assert.ErrorIs(t, c.StopAllProcesses(context.Background(), kept), session.ErrPidFileUnavailable)
}

func TestRunReturnsWorkError(t *testing.T) {
	vars := env.Var{}
	c := newTestController(t, vars)
	boom := errors.New("boom")
	err := c.Run(context.Background(), func(context.Context, *session.Session) error { return boom })
	assert.ErrorIs(t, err, boom)
	_, ok := vars[env.PidFile]
	assert.False(t, ok)
}

func TestRunTearsDownOnPanic(t *testing.T) {
	vars := env.Var{}
	c := newTestController(t, vars)
	var path string
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
			path, _ = s.PidFilePath()
			panic("kaboom")
		})
	})
	_, ok := vars[env.PidFile]
	assert.False(t, ok)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Nil(t, c.Current())
}

func TestRunRejectsNestedSession(t *testing.T) {
	c := newTestController(t, env.Var{})
	err := c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		return c.Run(ctx, func(context.Context, *session.Session) error { return nil })
	})
	assert.ErrorIs(t, err, ErrSessionActive)

	// the controller is usable again afterwards
	assert.NoError(t, c.Run(context.Background(), func(context.Context, *session.Session) error { return nil }))
}

func TestStopAllProcessesSignalsEachInOrder(t *testing.T) {
	sig := &recordingSignaler{}
	sink := &memorySink{}
	c := newTestController(t, env.Var{}, WithSignaler(sig), WithHistory(sink))

	err := c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		reg, err := s.Registry()
		require.NoError(t, err)
		for _, pid := range []int{30, 10, 20} {
			require.NoError(t, reg.Add(pid))
		}
		want, err := reg.PIDs()
		require.NoError(t, err)
		require.NoError(t, c.StopAllProcesses(ctx, s))
		assert.Equal(t, want, sig.got)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{30, 10, 20}, sig.got)

	signals := 0
	for _, typ := range sink.types() {
		if typ == history.EventSignal {
			signals++
		}
	}
	assert.Equal(t, 3, signals)
}

func TestStopAllProcessesAbortsOnFailure(t *testing.T) {
	sig := &recordingSignaler{fail: map[int]error{2: syscall.ESRCH}}
	c := newTestController(t, env.Var{}, WithSignaler(sig))

	err := c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		reg, _ := s.Registry()
		for _, pid := range []int{1, 2, 3} {
			require.NoError(t, reg.Add(pid))
		}
		return c.StopAllProcesses(ctx, s)
	})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.PID)
	assert.ErrorIs(t, err, syscall.ESRCH)
	assert.Equal(t, []int{1, 2}, sig.got, "pids after the failure must not be signaled")
}

func TestWaitForOthersToFinish(t *testing.T) {
	t.Run("not a parallel run", func(t *testing.T) {
		c := newTestController(t, env.Var{})
		require.NoError(t, c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
			reg, _ := s.Registry()
			_ = reg.Add(1)
			_ = reg.Add(2)
			return c.WaitForOthersToFinish(ctx, s)
		}))
	})

	t.Run("not a parallel run after the path was cleared", func(t *testing.T) {
		c := newTestController(t, env.Var{})
		require.NoError(t, c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
			s.RequestDiagnostics()
			require.False(t, s.Active())
			return c.WaitForOthersToFinish(ctx, s)
		}))
	})

	t.Run("parallel run after the path was cleared", func(t *testing.T) {
		c := newTestController(t, env.Var{env.WorkerIndex: "2"})
		err := c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
			s.RequestDiagnostics()
			return c.WaitForOthersToFinish(ctx, s)
		})
		assert.ErrorIs(t, err, session.ErrPidFileUnavailable)
	})

	t.Run("released when siblings leave", func(t *testing.T) {
		sink := &memorySink{}
		c := newTestController(t, env.Var{env.WorkerIndex: "2"}, WithHistory(sink))
		require.NoError(t, c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
			reg, _ := s.Registry()
			_ = reg.Add(1)
			_ = reg.Add(2)
			go func() {
				time.Sleep(30 * time.Millisecond)
				_ = reg.Delete(2)
			}()
			return c.WaitForOthersToFinish(ctx, s)
		}))
		assert.Contains(t, sink.types(), history.EventBarrierRelease)
	})

	t.Run("bounded by context", func(t *testing.T) {
		c := newTestController(t, env.Var{env.WorkerIndex: "2"})
		err := c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
			reg, _ := s.Registry()
			_ = reg.Add(1)
			_ = reg.Add(2)
			ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			return c.WaitForOthersToFinish(ctx, s)
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDiagnosticsRecorded(t *testing.T) {
	sink := &memorySink{}
	c := newTestController(t, env.Var{}, WithHistory(sink))
	require.NoError(t, c.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		s.RequestDiagnostics()
		select {
		case <-s.Watcher().Fired():
		case <-time.After(2 * time.Second):
			t.Fatalf("dump did not fire")
		}
		return nil
	}))
	assert.Contains(t, sink.types(), history.EventDiagnostics)
}

func TestHistoryFailureDoesNotFailSession(t *testing.T) {
	sink := &memorySink{err: errors.New("sink down")}
	c := newTestController(t, env.Var{}, WithHistory(sink))
	assert.NoError(t, c.Run(context.Background(), func(context.Context, *session.Session) error { return nil }))
	assert.Len(t, sink.types(), 2)
}

func TestDelta(t *testing.T) {
	d := Delta(func() { time.Sleep(5 * time.Millisecond) })
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
}

func TestStopRegisteredWithoutSession(t *testing.T) {
	sig := &recordingSignaler{}
	c := New(WithSignaler(sig))
	reg := pids.New(t.TempDir() + "/pids")
	require.NoError(t, reg.Add(5))
	require.NoError(t, reg.Add(6))
	require.NoError(t, c.StopRegistered(context.Background(), reg))
	assert.Equal(t, []int{5, 6}, sig.got)
}

func TestInterruptKeepsGoingPastFailures(t *testing.T) {
	sig := &recordingSignaler{fail: map[int]error{11: syscall.ESRCH}}
	c := New(WithSignaler(sig))
	err := c.Interrupt(context.Background(), 10, 11, 12)
	assert.Equal(t, []int{10, 11, 12}, sig.got)

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 11, de.PID)
	assert.ErrorIs(t, err, syscall.ESRCH)
	assert.NoError(t, c.Interrupt(context.Background()))
}
