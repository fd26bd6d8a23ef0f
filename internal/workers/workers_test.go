package workers

import (
	"testing"

	"github.com/loykin/partest/internal/env"
)

func fixed(n int) CPUCounter { return CPUCounterFunc(func() int { return n }) }

func TestResolveExplicitWins(t *testing.T) {
	src := env.Var{env.Processors: "7"}
	for _, req := range []string{"3", " 3 ", "3\n"} {
		if got := Resolve(req, src, fixed(16)); got != 3 {
			t.Fatalf("Resolve(%q) = %d, want 3", req, got)
		}
	}
}

func TestResolveEnvOverrideWhenExplicitBlank(t *testing.T) {
	src := env.Var{env.Processors: " 5 "}
	for _, req := range []string{"", "   ", "\t"} {
		if got := Resolve(req, src, fixed(16)); got != 5 {
			t.Fatalf("Resolve(%q) = %d, want 5", req, got)
		}
	}
}

func TestResolveFallsBackToCPUs(t *testing.T) {
	if got := Resolve("", env.Var{env.Processors: ""}, fixed(12)); got != 12 {
		t.Fatalf("got %d want 12", got)
	}
}

func TestResolveAllBlankIsZero(t *testing.T) {
	if got := Resolve("", env.Var{}, fixed(0)); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
	if got := Resolve(" ", env.Var{env.Processors: " "}, nil); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
}

func TestResolveNonNumericCoercesToZero(t *testing.T) {
	// A non-blank explicit value wins even when it is not a number.
	if got := Resolve("many", env.Var{env.Processors: "4"}, fixed(8)); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
	if got := Resolve("", env.Var{env.Processors: "-2"}, fixed(8)); got != 0 {
		t.Fatalf("negative override should clamp to 0, got %d", got)
	}
}

func TestToInt(t *testing.T) {
	cases := map[string]int{
		"":      0,
		"42":    42,
		" 42 ":  42,
		"12abc": 12,
		"abc":   0,
		"+7":    7,
		"-3":    -3,
		"-":     0,
		"1.5":   1,
	}
	for in, want := range cases {
		if got := ToInt(in); got != want {
			t.Errorf("ToInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestHostCPUsPositive(t *testing.T) {
	if n := HostCPUs.Count(); n <= 0 {
		t.Fatalf("expected positive cpu count, got %d", n)
	}
}
