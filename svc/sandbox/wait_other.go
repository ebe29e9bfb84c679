//go:build !linux

package sandbox

import "os/exec"

// waitAndSweep reaps the leader before sweeping its group. Without waitid
// and WNOWAIT the group id can in principle be reused in between.
func waitAndSweep(cmd *exec.Cmd) error {
	err := cmd.Wait()
	killTree(cmd)
	return err
}
