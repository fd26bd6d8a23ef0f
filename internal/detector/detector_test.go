package detector

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix process tools")
	}
}

func TestPIDDetectorSelfAlive(t *testing.T) {
	d := PIDDetector{PID: os.Getpid()}
	alive, err := d.Alive()
	if err != nil || !alive {
		t.Fatalf("expected current process alive, got %v err=%v", alive, err)
	}
	if !strings.HasPrefix(d.Describe(), "pid:") {
		t.Fatalf("unexpected description %q", d.Describe())
	}
}

func TestPIDDetectorInvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		alive, err := PIDDetector{PID: pid}.Alive()
		if err != nil || alive {
			t.Fatalf("pid %d: expected dead, got %v err=%v", pid, alive, err)
		}
	}
}

func TestPIDDetectorStartTimeMismatch(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("/bin/sh", "-c", "sleep 2")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()
	time.Sleep(20 * time.Millisecond)

	start := StartUnix(cmd.Process.Pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	match := PIDDetector{PID: cmd.Process.Pid, StartUnix: start}
	if alive, _ := match.Alive(); !alive {
		t.Fatalf("expected alive with matching start time")
	}
	reused := PIDDetector{PID: cmd.Process.Pid, StartUnix: start - 3600}
	if alive, _ := reused.Alive(); alive {
		t.Fatalf("expected a mismatching start time to read as pid reuse")
	}
}

func TestPIDDetectorExitedProcess(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	alive, err := PIDDetector{PID: cmd.Process.Pid}.Alive()
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	if alive {
		t.Fatalf("reaped process %d should not be alive", cmd.Process.Pid)
	}
}

func TestStartUnixSelf(t *testing.T) {
	start := StartUnix(os.Getpid())
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	now := time.Now().Unix()
	if start > now || now-start > 24*3600 {
		t.Fatalf("implausible start time %d (now %d)", start, now)
	}
	if StartUnix(0) != 0 {
		t.Fatalf("pid 0 has no start time")
	}
}

func TestDetectorInterface(t *testing.T) {
	var d Detector = PIDDetector{PID: 42, StartUnix: 1700000000}
	if d.Describe() != "pid:42@1700000000" {
		t.Fatalf("describe: %q", d.Describe())
	}
}
