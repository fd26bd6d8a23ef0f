package metrics

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// WorkerStats is a resource snapshot of one registered worker.
type WorkerStats struct {
	PID        int32     `json:"pid" yaml:"pid"`
	Name       string    `json:"name" yaml:"name"`
	CPUPercent float64   `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb" yaml:"memory_mb"`
	NumThreads int32     `json:"num_threads" yaml:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty" yaml:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Snapshot reads CPU and memory usage of pid.
func Snapshot(pid int) (WorkerStats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return WorkerStats{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	st := WorkerStats{PID: int32(pid), Timestamp: time.Now()}
	if name, err := proc.Name(); err == nil {
		st.Name = name
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	} else {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return WorkerStats{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	st.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		st.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			st.NumFDs = n
		}
	}
	return st, nil
}
