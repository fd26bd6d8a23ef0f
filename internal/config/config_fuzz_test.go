package config

import (
	"os"
	"strings"
	"testing"
)

// FuzzConfigTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic.
func FuzzConfigTOML(f *testing.F) {
	f.Add("4", "1s", "sqlite://:memory:", true)
	f.Add("", "abc", "", false)

	f.Fuzz(func(t *testing.T, processors, interval, dsn string, diagSignal bool) {
		clean := func(s string) string {
			return strings.NewReplacer("\"", "", "\\", "", "\n", "", "\r", "").Replace(s)
		}
		b := strings.Builder{}
		b.WriteString("processors = \"" + clean(processors) + "\"\n")
		b.WriteString("wait_interval = \"" + clean(interval) + "\"\n")
		if diagSignal {
			b.WriteString("diag_signal = true\n")
		}
		b.WriteString("[history]\ndsn = \"" + clean(dsn) + "\"\n")
		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		c, err := Load(tmp)
		if err == nil && c.WaitInterval <= 0 {
			t.Fatalf("interval must be positive, got %v", c.WaitInterval)
		}
	})
}
