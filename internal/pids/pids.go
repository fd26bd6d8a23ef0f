// Package pids implements the shared registry of sibling worker pids.
//
// The registry is a plain text file with one registration per line:
//
//	<pid> [<start_unix>]
//
// Workers append their own line with O_APPEND so writers in different
// processes never overwrite each other. Readers tolerate blank lines and a
// torn trailing line. A pid registered twice is counted once; the latest
// start time recorded for it wins. No cross-process locking is done: Delete
// and Prune rewrite the file and may drop a registration appended while the
// rewrite is in flight.
package pids

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/partest/internal/detector"
)

// Entry is one registered worker.
type Entry struct {
	PID       int   `json:"pid" yaml:"pid"`
	StartUnix int64 `json:"start_unix,omitempty" yaml:"start_unix,omitempty"`
}

// Registry is bound to a backing file that need not exist yet.
type Registry struct {
	path string
	mu   sync.Mutex

	// startTime is swapped in tests.
	startTime func(pid int) int64
}

func New(path string) *Registry {
	return &Registry{path: path, startTime: detector.StartUnix}
}

// Path returns the backing file location.
func (r *Registry) Path() string { return r.path }

// Add registers pid by appending one line to the backing file.
func (r *Registry) Add(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	line := strconv.Itoa(pid)
	if ts := r.startTime(pid); ts > 0 {
		line += " " + strconv.FormatInt(ts, 10)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open pid file: %w", err)
	}
	// one write call per registration keeps concurrent appends whole
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append pid %d: %w", pid, err)
	}
	return f.Close()
}

// Delete removes every registration of pid.
func (r *Registry) Delete(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.read()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.PID != pid {
			kept = append(kept, e)
		}
	}
	return r.write(kept)
}

// All returns every registered worker in first-registration order.
func (r *Registry) All() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

// PIDs returns the registered pids in first-registration order.
func (r *Registry) PIDs() ([]int, error) {
	entries, err := r.All()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.PID)
	}
	return out, nil
}

// Count is the number of distinct registered pids. Workers use it as the
// number of siblings still running.
func (r *Registry) Count() (int, error) {
	entries, err := r.All()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Live returns the entries whose process is still running and, when a start
// time was recorded, still the same process.
func (r *Registry) Live() ([]Entry, error) {
	entries, err := r.All()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if alive, _ := (detector.PIDDetector{PID: e.PID, StartUnix: e.StartUnix}).Alive(); alive {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune drops registrations of dead workers and reports how many were removed.
func (r *Registry) Prune() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.read()
	if err != nil {
		return 0, err
	}
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if alive, _ := (detector.PIDDetector{PID: e.PID, StartUnix: e.StartUnix}).Alive(); alive {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return 0, nil
	}
	return len(entries) - len(kept), r.write(kept)
}

func (r *Registry) read() ([]Entry, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	return Parse(b), nil
}

func (r *Registry) write(entries []Entry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(formatEntry(e))
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("rewrite pid file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewrite pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewrite pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewrite pid file: %w", err)
	}
	return nil
}

// Parse decodes registry contents, skipping lines that do not start with a
// positive pid. Duplicates collapse onto the first occurrence. Lines are
// split by hand so an arbitrarily long garbage line is skipped like any
// other instead of ending the scan.
func Parse(b []byte) []Entry {
	var out []Entry
	index := make(map[int]int)
	for rest := b; len(rest) > 0; {
		var line []byte
		line, rest, _ = bytes.Cut(rest, []byte{'\n'})
		fields := strings.Fields(string(line))
		if len(fields) == 0 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		var start int64
		if len(fields) > 1 {
			start, _ = strconv.ParseInt(fields[1], 10, 64)
		}
		if i, ok := index[pid]; ok {
			if start > 0 {
				out[i].StartUnix = start
			}
			continue
		}
		index[pid] = len(out)
		out = append(out, Entry{PID: pid, StartUnix: start})
	}
	return out
}

func formatEntry(e Entry) string {
	if e.StartUnix > 0 {
		return strconv.Itoa(e.PID) + " " + strconv.FormatInt(e.StartUnix, 10)
	}
	return strconv.Itoa(e.PID)
}
