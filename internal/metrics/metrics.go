package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partest",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Number of sessions opened.",
		},
	)
	sessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "partest",
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session has its pid file published.",
		},
	)
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partest",
			Subsystem: "worker",
			Name:      "signals_total",
			Help:      "Interrupt signals sent to registered workers by delivery result.",
		}, []string{"result"},
	)
	diagnosticDumps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partest",
			Subsystem: "session",
			Name:      "diagnostic_dumps_total",
			Help:      "Number of goroutine stack dumps written.",
		},
	)
	barrierWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "partest",
			Subsystem: "worker",
			Name:      "barrier_wait_seconds",
			Help:      "Time spent waiting for sibling workers to finish.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
	registeredPids = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "partest",
			Subsystem: "worker",
			Name:      "registered_pids",
			Help:      "Distinct worker pids last observed in the registry.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessionsTotal, sessionActive, signalsTotal, diagnosticDumps, barrierWait, registeredPids}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func SessionStarted() {
	if regOK.Load() {
		sessionsTotal.Inc()
		sessionActive.Set(1)
	}
}

func SessionEnded() {
	if regOK.Load() {
		sessionActive.Set(0)
	}
}

// IncSignal records one delivery attempt; result is "ok" or "error".
func IncSignal(result string) {
	if regOK.Load() {
		signalsTotal.WithLabelValues(result).Inc()
	}
}

func IncDiagnosticDump() {
	if regOK.Load() {
		diagnosticDumps.Inc()
	}
}

func ObserveBarrierWait(seconds float64) {
	if regOK.Load() {
		barrierWait.Observe(seconds)
	}
}

func SetRegisteredPids(n int) {
	if regOK.Load() {
		registeredPids.Set(float64(n))
	}
}
