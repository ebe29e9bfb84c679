package sandbox

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// waitAndSweep waits for the group leader to exit without reaping it, kills
// whatever is left in its process group, then reaps. The unreaped leader
// keeps its pid, and with it the group id, from being reused before the
// sweep.
func waitAndSweep(cmd *exec.Cmd) error {
	if err := awaitLeaderExit(cmd); err == nil {
		killTree(cmd)
	}
	return cmd.Wait()
}

func awaitLeaderExit(cmd *exec.Cmd) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, cmd.Process.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return err
		}
	}
}
