//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd) {}

// Windows には SIGTERM 相当が無いため即座に終了させる。
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return terminate(cmd)
}

func signalExitCode(state *os.ProcessState) int {
	return 1
}
