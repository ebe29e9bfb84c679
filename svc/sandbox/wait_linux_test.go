package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestAwaitLeaderExitLeavesZombie(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	isolate(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	if err := awaitLeaderExit(cmd); err != nil {
		t.Fatalf("awaitLeaderExit: %v", err)
	}
	// The leader is dead but unreaped, so its pid is still reserved.
	if err := syscall.Kill(cmd.Process.Pid, 0); err != nil {
		t.Errorf("leader pid released before reaping: %v", err)
	}
	cmd.Wait()
	if cmd.ProcessState == nil || cmd.ProcessState.ExitCode() != 3 {
		t.Errorf("exit status lost: %v", cmd.ProcessState)
	}
}

func TestWaitAndSweepKillsGroupBeforeReap(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	marker := filepath.Join(t.TempDir(), "leaked")
	cmd := exec.Command("/bin/sh", "-c", "(sleep 1; echo leaked > "+marker+") >/dev/null 2>&1 &\nexit 0")
	isolate(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	if err := waitAndSweep(cmd); err != nil {
		t.Fatalf("waitAndSweep: %v", err)
	}
	if !cmd.ProcessState.Exited() || cmd.ProcessState.ExitCode() != 0 {
		t.Errorf("unexpected state %v", cmd.ProcessState)
	}
	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("group member survived the sweep")
	}
}
