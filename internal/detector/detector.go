// Package detector tells whether a registered worker pid still refers to the
// process that registered it.
package detector

import (
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

// PIDDetector detects by a pid number. When StartUnix is set the process
// start time must match too, so a recycled pid is reported dead.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExists(int32(d.PID))
	if err != nil || !ok {
		return false, err
	}
	if d.StartUnix > 0 {
		cur := StartUnix(d.PID)
		if cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string {
	if d.StartUnix > 0 {
		return fmt.Sprintf("pid:%d@%d", d.PID, d.StartUnix)
	}
	return fmt.Sprintf("pid:%d", d.PID)
}

// StartUnix returns the start time of pid as Unix seconds, or 0 when it is
// unknown.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if ts := procStatStartUnix(pid); ts > 0 {
		return ts
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
