//go:build !windows

package runner

import (
	"os"
	"os/exec"
)

// interrupt asks a cancelled command to stop, letting go test tear down
// the test binaries it started. exec kills it after WaitDelay.
func interrupt(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}
