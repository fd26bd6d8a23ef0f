package partest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/partest/internal/barrier"
	cfg "github.com/loykin/partest/internal/config"
	"github.com/loykin/partest/internal/controller"
	"github.com/loykin/partest/internal/env"
	"github.com/loykin/partest/internal/history"
	"github.com/loykin/partest/internal/history/factory"
	"github.com/loykin/partest/internal/metrics"
	"github.com/loykin/partest/internal/pids"
	iapi "github.com/loykin/partest/internal/server"
	"github.com/loykin/partest/internal/session"
	ptls "github.com/loykin/partest/internal/tls"
	"github.com/loykin/partest/internal/workers"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Session = session.Session

type Controller = controller.Controller

type Option = controller.Option

type Signaler = controller.Signaler

type Registry = pids.Registry

type Entry = pids.Entry

type DeliveryError = controller.DeliveryError

type TeardownError = session.TeardownError

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = cfg.Config

var (
	ErrPidFileUnavailable = session.ErrPidFileUnavailable
	ErrSessionActive      = controller.ErrSessionActive
)

// Controller options.
var (
	WithLogger   = controller.WithLogger
	WithHistory  = controller.WithHistory
	WithSignaler = controller.WithSignaler
	WithInterval = controller.WithInterval
	WithPidDir   = controller.WithPidDir
)

// New returns a controller bound to the process environment.
func New(opts ...Option) *Controller { return controller.New(opts...) }

// DetermineNumberOfProcesses resolves the worker count from requested,
// PARALLEL_TEST_PROCESSORS and the host CPU count, in that order.
func DetermineNumberOfProcesses(requested string) int {
	return workers.Resolve(requested, env.OS{}, workers.HostCPUs)
}

func FirstProcess() bool { return controller.FirstProcess(env.OS{}) }

func LastProcess() bool { return controller.LastProcess(env.OS{}) }

// PidFileRegistry opens the registry a runner published through
// PARALLEL_PID_FILE. Workers use it to reach their siblings.
// Both outcomes are logged through slog.Default.
func PidFileRegistry() (*Registry, error) {
	path, err := session.LookupPidFile(env.OS{})
	if err != nil {
		slog.Info("pid file being fetched but not available")
		return nil, err
	}
	slog.Info("pid file being fetched", "path", path)
	return pids.New(path), nil
}

// NumberOfRunningProcesses counts the workers registered in the published
// pid file.
func NumberOfRunningProcesses() (int, error) {
	r, err := PidFileRegistry()
	if err != nil {
		return 0, err
	}
	return r.Count()
}

// WaitForOtherProcessesToFinish blocks until this worker is the last one
// registered. It returns at once outside a multi-worker run.
func WaitForOtherProcessesToFinish(ctx context.Context) error {
	if _, ok := (env.OS{}).Lookup(env.WorkerIndex); !ok {
		return nil
	}
	r, err := PidFileRegistry()
	if err != nil {
		return err
	}
	return barrier.Wait(ctx, r, env.OS{}, barrier.DefaultInterval)
}

// Delta returns how long fn took.
func Delta(fn func()) time.Duration { return controller.Delta(fn) }

// NewHistorySink opens a sink from a DSN (sqlite, postgres, clickhouse, opensearch).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHandler returns the session API of c under basePath, ready to mount in
// any mux, gin engine or echo instance.
func NewHandler(c *Controller, basePath string) http.Handler {
	return iapi.NewRouter(c, basePath).Handler()
}

// MountEcho serves the session API of c under basePath of an echo instance.
func MountEcho(e *echo.Echo, basePath string, c *Controller) {
	iapi.MountEcho(e, basePath, NewHandler(c, basePath))
}

// NewHTTPServer starts an HTTP server exposing the session API of c. A nil
// tlsCfg serves plain HTTP.
func NewHTTPServer(addr, basePath string, c *Controller, tlsCfg *tls.Config) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, c, tlsCfg)
}

// SelfSignedTLS returns a server TLS config backed by a self-signed pair in
// dir, generated on first use.
func SelfSignedTLS(dir string) (*tls.Config, error) { return ptls.SelfSigned(dir) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr in the
// caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
