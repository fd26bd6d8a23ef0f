package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/partest/internal/controller"
	"github.com/loykin/partest/internal/metrics"
	"github.com/loykin/partest/internal/pids"
	"github.com/loykin/partest/internal/session"
)

// Coordinator is the part of controller.Controller the router drives.
type Coordinator interface {
	Current() *session.Session
	StopAllProcesses(ctx context.Context, s *session.Session) error
	NumberOfRunningProcesses(s *session.Session) (int, error)
}

// Router provides embeddable HTTP handlers for the session running in this
// process.
// Endpoints:
//
//	GET  {basePath}/health
//	GET  {basePath}/pids          query: stats=1 adds per-worker resource usage
//	GET  {basePath}/count
//	POST {basePath}/stop          interrupts every registered worker
//	POST {basePath}/diagnostics   clears the pid file path, firing the stack dump
//	GET  {basePath}/metrics
//
// Session endpoints return 503 while no session is active.
type Router struct {
	coord    Coordinator
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/pids, /abc/stop, ...
func NewRouter(coord Coordinator, basePath string) *Router {
	return &Router{coord: coord, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/pids", r.handlePids)
	group.GET("/count", r.handleCount)
	group.POST("/stop", r.handleStop)
	group.POST("/diagnostics", r.handleDiagnostics)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tlsCfg serves HTTPS. The listener is bound before returning so
// address errors surface to the caller.
func NewServer(addr, basePath string, coord Coordinator, tlsCfg *tls.Config) (*http.Server, error) {
	r := NewRouter(coord, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	PID   int    `json:"pid,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK            bool   `json:"ok"`
	SessionActive bool   `json:"session_active"`
	SessionID     string `json:"session_id,omitempty"`
}

type countResp struct {
	Count int `json:"count"`
}

type pidResp struct {
	pids.Entry
	Stats *metrics.WorkerStats `json:"stats,omitempty"`
}

// session returns the active session or writes 503.
func (r *Router) session(c *gin.Context) (*session.Session, bool) {
	s := r.coord.Current()
	if s == nil || !s.Active() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: session.ErrPidFileUnavailable.Error()})
		return nil, false
	}
	return s, true
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := healthResp{OK: true}
	if s := r.coord.Current(); s != nil && s.Active() {
		resp.SessionActive = true
		resp.SessionID = s.ID()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePids(c *gin.Context) {
	s, ok := r.session(c)
	if !ok {
		return
	}
	reg, err := s.Registry()
	if err != nil {
		writeError(c, err)
		return
	}
	entries, err := reg.All()
	if err != nil {
		writeError(c, err)
		return
	}
	withStats := c.Query("stats") != ""
	out := make([]pidResp, 0, len(entries))
	for _, e := range entries {
		pr := pidResp{Entry: e}
		if withStats {
			if st, err := metrics.Snapshot(e.PID); err == nil {
				pr.Stats = &st
			}
		}
		out = append(out, pr)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCount(c *gin.Context) {
	s, ok := r.session(c)
	if !ok {
		return
	}
	n, err := r.coord.NumberOfRunningProcesses(s)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, countResp{Count: n})
}

func (r *Router) handleStop(c *gin.Context) {
	s, ok := r.session(c)
	if !ok {
		return
	}
	if err := r.coord.StopAllProcesses(c.Request.Context(), s); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDiagnostics(c *gin.Context) {
	s, ok := r.session(c)
	if !ok {
		return
	}
	s.RequestDiagnostics()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func writeError(c *gin.Context, err error) {
	var de *controller.DeliveryError
	switch {
	case errors.As(err, &de):
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error(), PID: de.PID})
	case errors.Is(err, session.ErrPidFileUnavailable):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
