// Package workers decides how many sibling workers a run should use.
package workers

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/loykin/partest/internal/env"
)

// CPUCounter reports the processor capacity of the host.
type CPUCounter interface {
	Count() int
}

// CPUCounterFunc adapts a function to CPUCounter.
type CPUCounterFunc func() int

func (f CPUCounterFunc) Count() int { return f() }

// HostCPUs counts logical cores via gopsutil and falls back to the Go
// runtime's view when the platform query fails.
var HostCPUs CPUCounter = CPUCounterFunc(func() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
})

// Resolve picks the effective worker count. Candidates are checked in order:
// the explicit request, the PARALLEL_TEST_PROCESSORS override, then cpus.
// The first one that is non-blank after trimming wins and is coerced with
// ToInt. A result of 0 means no source provided a value.
func Resolve(requested string, src env.Source, cpus CPUCounter) int {
	candidates := []func() string{
		func() string { return requested },
		func() string { return env.Get(src, env.Processors) },
		func() string {
			if cpus == nil {
				return ""
			}
			if n := cpus.Count(); n > 0 {
				return strconv.Itoa(n)
			}
			return ""
		},
	}
	for _, c := range candidates {
		if s := strings.TrimSpace(c()); s != "" {
			n := ToInt(s)
			if n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}

// ToInt parses the leading integer of s: "12abc" is 12, "abc" is 0.
// Surrounding whitespace and a single sign are accepted.
func ToInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
