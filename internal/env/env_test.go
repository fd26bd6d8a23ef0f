package env

import (
	"strings"
	"testing"
)

func TestVarLookupDistinguishesUnsetFromEmpty(t *testing.T) {
	v := Var{WorkerIndex: ""}
	if s, ok := v.Lookup(WorkerIndex); !ok || s != "" {
		t.Fatalf("expected set-but-empty, got %q ok=%v", s, ok)
	}
	if _, ok := v.Lookup(WorkerTotal); ok {
		t.Fatalf("expected %s to be unset", WorkerTotal)
	}
	_ = v.Set(WorkerTotal, "3")
	if Get(v, WorkerTotal) != "3" {
		t.Fatalf("Set did not publish value")
	}
	_ = v.Unset(WorkerTotal)
	if _, ok := v.Lookup(WorkerTotal); ok {
		t.Fatalf("Unset did not clear value")
	}
}

func TestOSSourceRoundTrip(t *testing.T) {
	t.Setenv(PidFile, "/tmp/registry")
	var src Writer = OS{}
	if got := Get(src, PidFile); got != "/tmp/registry" {
		t.Fatalf("got %q", got)
	}
	if err := src.Unset(PidFile); err != nil {
		t.Fatalf("unset: %v", err)
	}
	if _, ok := src.Lookup(PidFile); ok {
		t.Fatalf("expected %s unset", PidFile)
	}
}

func TestMergeOverridesAndExpands(t *testing.T) {
	e := New()
	e.base = Var{"HOME": "/home/u", testKey: "base"}
	e.Set(testKey, "global")
	e.Set("LOG", "${HOME}/log")
	out := e.Merge([]string{testKey + "=proc", "=skip"})
	m := map[string]string{}
	for _, kv := range out {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	if m[testKey] != "proc" {
		t.Fatalf("per-process override lost: %q", m[testKey])
	}
	if m["LOG"] != "/home/u/log" {
		t.Fatalf("expansion failed: %q", m["LOG"])
	}
	if _, ok := m[""]; ok {
		t.Fatalf("empty key leaked")
	}
}

const testKey = "PARTEST_ENV_TEST"

func TestFromListReplacesBase(t *testing.T) {
	e := New()
	e.FromList([]string{"A=1", "B=x=y", "=bad", "NOEQ"})
	e.Set("C", "${A}-c")
	m := map[string]string{}
	for _, kv := range e.Merge(nil) {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	if len(m) != 3 || m["A"] != "1" || m["B"] != "x=y" || m["C"] != "1-c" {
		t.Fatalf("unexpected env: %v", m)
	}
}
