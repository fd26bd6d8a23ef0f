package env

import (
	"os"
	"strings"
)

// Keys shared by every worker of one logical run. They are the cross-process
// protocol: a runner exports them and sibling workers read them back.
const (
	// PidFile holds the path of the shared pid registry for the active session.
	PidFile = "PARALLEL_PID_FILE"
	// WorkerIndex is "" for the first worker and "2".."n" for the others.
	WorkerIndex = "TEST_ENV_NUMBER"
	// WorkerTotal is the number of workers in the run.
	WorkerTotal = "PARALLEL_TEST_GROUPS"
	// Processors overrides the detected processor count.
	Processors = "PARALLEL_TEST_PROCESSORS"
)

// Source looks up environment values. It distinguishes an unset key from a
// key set to the empty string.
type Source interface {
	Lookup(key string) (string, bool)
}

// Writer is a Source that can also publish and clear values.
type Writer interface {
	Source
	Set(key, value string) error
	Unset(key string) error
}

// OS is the process environment.
type OS struct{}

func (OS) Lookup(key string) (string, bool) { return os.LookupEnv(key) }
func (OS) Set(key, value string) error      { return os.Setenv(key, value) }
func (OS) Unset(key string) error           { return os.Unsetenv(key) }

// Get returns the value of key or "" when unset.
func Get(src Source, key string) string {
	v, _ := src.Lookup(key)
	return v
}

type Var map[string]string

// Lookup makes Var usable as a Source (mostly in tests).
func (v Var) Lookup(key string) (string, bool) {
	s, ok := v[key]
	return s, ok
}

func (v Var) Set(key, value string) error {
	v[key] = value
	return nil
}

func (v Var) Unset(key string) error {
	delete(v, key)
	return nil
}

// Env composes the environment handed to child worker processes: a base
// (the OS environment unless FromList replaced it), then Var overrides,
// then the per-worker entries given to Merge.
type Env struct {
	Var  Var
	base Var
}

func New() *Env { return &Env{Var: Var{}} }

// FromOS snapshots the current process environment as the base.
func (e *Env) FromOS() { e.base = parsePairs(os.Environ()) }

// FromList replaces the base with kvs ("K=V" entries).
func (e *Env) FromList(kvs []string) { e.base = parsePairs(kvs) }

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = Var{}
	}
	e.Var[k] = v
}

// Apply sets every well-formed "K=V" entry of kvs as an override.
func (e *Env) Apply(kvs []string) {
	for k, v := range parsePairs(kvs) {
		e.Set(k, v)
	}
}

func (e *Env) Unset(k string) { delete(e.Var, k) }

// Merge returns the composed "K=V" list. Values may reference other keys
// as ${KEY}; references resolve against the composed set in one pass.
func (e *Env) Merge(perWorker []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	all := make(Var, len(e.base)+len(e.Var)+len(perWorker))
	for _, layer := range []Var{e.base, e.Var, parsePairs(perWorker)} {
		for k, v := range layer {
			if k != "" {
				all[k] = v
			}
		}
	}
	out := make([]string, 0, len(all))
	for k, v := range all {
		out = append(out, k+"="+expand(v, all))
	}
	return out
}

func parsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	pairs := make([]string, 0, 2*len(m))
	for k, v := range m {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
