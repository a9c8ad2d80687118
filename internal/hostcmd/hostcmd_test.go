// hostcmd_test.go tests helper invocation: output capture, exit codes,
// spawn failures, and timeout kills.
package hostcmd

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesStdout(t *testing.T) {
	r := New()
	result, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Ok() {
		t.Fatalf("expected success, got exit code %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", result.Stdout)
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	r := New()
	result, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("stderr = %q, want to contain oops", result.Stderr)
	}
}

func TestRun_MissingBinaryIsAnError(t *testing.T) {
	r := New()
	if _, err := r.Run(context.Background(), "/nonexistent/helper-binary"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	r := &Runner{Timeout: 100 * time.Millisecond}
	result, err := r.Run(context.Background(), "sh", "-c", "sleep 30")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected timeout")
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
}

func TestOutput_RequiresZeroExit(t *testing.T) {
	r := New()

	out, err := r.Output(context.Background(), "sh", "-c", "echo ok")
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(out) != "ok" {
		t.Errorf("output = %q, want ok", out)
	}

	if _, err := r.Output(context.Background(), "sh", "-c", "exit 1"); err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}
