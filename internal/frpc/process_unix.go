//go:build !windows

package frpc

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func configureCommand(cmd *exec.Cmd) {
	// Own process group so frpc and anything it forks die together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o111 == 0o111 {
		return nil
	}
	return os.Chmod(path, 0o755)
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL when
// the process has not exited within timeout.
func terminate(proc *os.Process, done <-chan struct{}, timeout time.Duration) error {
	pgid := -proc.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("process did not exit after SIGKILL")
	}
}
