//go:build windows

package runner

import "os/exec"

func interrupt(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
