package client

import (
	"fmt"
	"time"
)

// Health is the answer of GET /health.
type Health struct {
	OK            bool   `json:"ok"`
	SessionActive bool   `json:"session_active"`
	SessionID     string `json:"session_id,omitempty"`
}

// Worker is one registered pid, with stats when requested.
type Worker struct {
	PID       int          `json:"pid"`
	StartUnix int64        `json:"start_unix,omitempty"`
	Stats     *WorkerStats `json:"stats,omitempty"`
}

type WorkerStats struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type countResponse struct {
	Count int `json:"count"`
}

// APIError is a non-2xx answer. PID names the worker a stop failed on.
type APIError struct {
	Status  int
	Message string `json:"error"`
	PID     int    `json:"pid,omitempty"`
}

func (e *APIError) Error() string {
	if e.PID != 0 {
		return fmt.Sprintf("API error %d: %s (pid %d)", e.Status, e.Message, e.PID)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// NoSession reports whether the server had no active session.
func (e *APIError) NoSession() bool { return e.Status == 503 }
