package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshRegistry resets the package switch and registers the collectors
// into a private registry.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

// value reads the single sample of a counter or gauge family, or the
// sample carrying label result=<label> when label is set. Missing samples
// read as zero. Collectors are package-global, so tests compare deltas.
func value(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				match := false
				for _, lp := range m.GetLabel() {
					match = match || (lp.GetName() == "result" && lp.GetValue() == label)
				}
				if !match {
					continue
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestSessionLifecycle(t *testing.T) {
	reg := freshRegistry(t)
	started := value(t, reg, "partest_session_started_total", "")

	SessionStarted()
	assert.Equal(t, started+1, value(t, reg, "partest_session_started_total", ""))
	assert.Equal(t, 1.0, value(t, reg, "partest_session_active", ""))

	SessionEnded()
	SessionStarted()
	assert.Equal(t, started+2, value(t, reg, "partest_session_started_total", ""))
	SessionEnded()
	assert.Equal(t, 0.0, value(t, reg, "partest_session_active", ""))
}

func TestWorkerMetrics(t *testing.T) {
	reg := freshRegistry(t)
	ok := value(t, reg, "partest_worker_signals_total", "ok")
	failed := value(t, reg, "partest_worker_signals_total", "error")
	dumps := value(t, reg, "partest_session_diagnostic_dumps_total", "")
	waits := value(t, reg, "partest_worker_barrier_wait_seconds", "")

	IncSignal("ok")
	IncSignal("ok")
	IncSignal("error")
	IncDiagnosticDump()
	ObserveBarrierWait(0.2)
	ObserveBarrierWait(3)
	SetRegisteredPids(4)

	assert.Equal(t, ok+2, value(t, reg, "partest_worker_signals_total", "ok"))
	assert.Equal(t, failed+1, value(t, reg, "partest_worker_signals_total", "error"))
	assert.Equal(t, dumps+1, value(t, reg, "partest_session_diagnostic_dumps_total", ""))
	assert.Equal(t, waits+2, value(t, reg, "partest_worker_barrier_wait_seconds", ""))
	assert.Equal(t, 4.0, value(t, reg, "partest_worker_registered_pids", ""))
}

func TestRegisterTwiceAndAlreadyRegistered(t *testing.T) {
	reg := freshRegistry(t)
	require.NoError(t, Register(reg))

	// a second process-wide registry that already holds the collectors
	regOK.Store(false)
	require.NoError(t, Register(reg))
	assert.True(t, regOK.Load())
}

func TestRegisterFailureKeepsHelpersOff(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	err := Register(failingRegisterer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry closed")
	assert.False(t, regOK.Load())

	// must not panic while disabled
	SessionStarted()
	IncSignal("ok")
	ObserveBarrierWait(1)
}

type failingRegisterer struct{}

func (failingRegisterer) Register(prometheus.Collector) error  { return errors.New("registry closed") }
func (failingRegisterer) MustRegister(...prometheus.Collector) {}
func (failingRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestHandlerFor(t *testing.T) {
	reg := freshRegistry(t)
	SetRegisteredPids(7)

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "partest_worker_registered_pids 7")
}

func TestConcurrentUpdates(t *testing.T) {
	reg := freshRegistry(t)
	ok := value(t, reg, "partest_worker_signals_total", "ok")
	dumps := value(t, reg, "partest_session_diagnostic_dumps_total", "")
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSignal("ok")
			IncDiagnosticDump()
		}()
	}
	wg.Wait()
	assert.Equal(t, ok+40, value(t, reg, "partest_worker_signals_total", "ok"))
	assert.Equal(t, dumps+40, value(t, reg, "partest_session_diagnostic_dumps_total", ""))
}

func TestSnapshotSelf(t *testing.T) {
	st, err := Snapshot(os.Getpid())
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	assert.Equal(t, int32(os.Getpid()), st.PID)
	assert.Greater(t, st.MemoryMB, 0.0)
}
