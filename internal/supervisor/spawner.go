package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecSpawner starts children with os/exec in their own session, with
// stdio attached to the null device, so they outlive the parent shell.
type ExecSpawner struct {
	Dir string   // working directory; defaults to the current one
	Env []string // environment; defaults to the parent's
}

// Spawn starts name with args and returns its pid without waiting.
func (e ExecSpawner) Spawn(name string, args []string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = e.Dir
	cmd.Env = e.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: spawn %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	// The child is reaped by init once this process exits.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("supervisor: release %d: %w", pid, err)
	}
	return pid, nil
}

// Alive reports whether pid exists, probing with signal 0.
func (ExecSpawner) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to pid.
func (ExecSpawner) Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("supervisor: signal %d: %w", pid, err)
	}
	return nil
}
