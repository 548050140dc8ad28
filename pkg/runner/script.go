package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/logging"
	"github.com/zuolabs/trellis-runner/pkg/models"
	"github.com/zuolabs/trellis-runner/pkg/resources"
)

// ScriptUnit runs the external generation script as the bounded work unit.
// The child gets its own process group so the whole tree can be signalled:
// SIGTERM at the budget boundary, SIGKILL after the grace window.
type ScriptUnit struct {
	Command string
	Args    []string
	Budget  time.Duration
	Grace   time.Duration
	Env     []string // credentials bundle, appended to the inherited env

	// Stdout/Stderr should be redacting writers; defaults to the process
	// streams when nil.
	Stdout io.Writer
	Stderr io.Writer

	Log     *logging.Logger
	Monitor *resources.Monitor
}

// Execute spawns the script and blocks until it exits or the budget
// truncates it. Budget truncation maps to exit code 124, matching the
// convention a script using timeout(1) itself would produce.
func (u *ScriptUnit) Execute(ctx context.Context) (int, error) {
	if u.Command == "" {
		return 0, errors.New("no work command configured")
	}

	cmd := exec.Command(u.Command, u.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), u.Env...)

	cmd.Stdout = u.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = u.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start work unit: %w", err)
	}
	pid := cmd.Process.Pid
	u.logf("work unit started", map[string]interface{}{"pid": pid, "command": u.Command})

	if u.Monitor != nil {
		monCtx, monCancel := context.WithCancel(ctx)
		defer monCancel()
		go u.Monitor.Watch(monCtx, pid)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var budgetCh <-chan time.Time
	if u.Budget > 0 {
		timer := time.NewTimer(u.Budget)
		defer timer.Stop()
		budgetCh = timer.C
	}

	select {
	case err := <-waitCh:
		return exitCodeFromWait(err)

	case <-budgetCh:
		u.logf("wall-clock budget elapsed, terminating work unit", map[string]interface{}{"pid": pid, "budget": u.Budget.String()})
		u.terminate(pid, waitCh)
		return models.ExitCodeTimeout, nil

	case <-ctx.Done():
		// Operator-initiated teardown, not a timeout.
		u.logf("run cancelled, terminating work unit", map[string]interface{}{"pid": pid})
		u.terminate(pid, waitCh)
		return 130, ctx.Err()
	}
}

// terminate signals the process group: graceful first, forced after the
// grace window.
func (u *ScriptUnit) terminate(pid int, waitCh <-chan error) {
	syscall.Kill(-pid, syscall.SIGTERM)

	grace := u.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-waitCh:
	case <-time.After(grace):
		u.logf("grace window elapsed, killing work unit", map[string]interface{}{"pid": pid})
		syscall.Kill(-pid, syscall.SIGKILL)
		<-waitCh
	}
}

func (u *ScriptUnit) logf(msg string, fields map[string]interface{}) {
	if u.Log != nil {
		u.Log.Info(msg, fields)
	}
}

// exitCodeFromWait maps a Wait error to the exit code used for
// classification. A process killed by a signal reports 128+signal, the
// shell convention.
func exitCodeFromWait(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to wait for work unit: %w", err)
}
