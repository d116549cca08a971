package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/script"
)

// processError carries the exit code of a non-zero process termination so
// runStepWithRetries can surface it in StepResult.ExitCode.
type processError struct {
	exitCode int
	stderr   string
}

func (e *processError) Error() string {
	if e.stderr != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.exitCode, e.stderr)
	}
	return fmt.Sprintf("process exited with code %d", e.exitCode)
}

// runProcess spawns cc.Executable with cc.ProcessArgs[1:], without any shell
// interposition; every argument goes to the OS process-creation syscall
// discretely. Stdout and stderr are drained concurrently to avoid pipe
// deadlock, and cancellation kills the whole process group, not just the
// direct child.
func (e *Executor) runProcess(ctx context.Context, cc compiler.CompiledCommand, opts script.ExecutionOptions) (string, error) {
	cmd := exec.Command(cc.Executable, cc.ProcessArgs[1:]...)
	cmd.Dir = e.ws.WorkingDirectory
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("executor: open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("executor: open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("executor: spawn %s: %w", cc.Executable, err)
	}

	var stdoutBuf, stderrBuf truncatingBuffer
	stdoutBuf.limit = nonZero(opts.MaxOutputBytes, 64*1024)
	stderrBuf.limit = nonZero(opts.MaxErrorBytes, 16*1024)

	var g errgroup.Group
	g.Go(func() error {
		_, err := stdoutBuf.ReadFrom(stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := stderrBuf.ReadFrom(stderrPipe)
		return err
	})

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		e.killProcessTree(cmd, waitDone)
		_ = g.Wait()
		return stdoutBuf.String(), ctx.Err()
	}
	_ = g.Wait()

	out := stdoutBuf.String()
	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return out, &processError{exitCode: exitCode, stderr: stderrBuf.String()}
	}
	return out, nil
}

func nonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// setProcessGroup puts the spawned process in its own process group so
// killProcessTree can terminate the whole tree, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree terminates the process group rooted at cmd's PID: SIGTERM
// first, then SIGKILL if the tree has not exited within ProcessKillGrace.
// It returns only once the child has been reaped. Failure to kill is logged
// but never blocks cancellation completion.
func (e *Executor) killProcessTree(cmd *exec.Cmd, waitDone <-chan error) {
	if cmd.Process == nil {
		<-waitDone
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		slog.Warn("executor.process_kill_failed", "pgid", pgid, "signal", "SIGTERM", "error", err)
	}

	grace := e.opts.ProcessKillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-waitDone:
		return
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		slog.Warn("executor.process_kill_failed", "pgid", pgid, "signal", "SIGKILL", "error", err)
	}
	<-waitDone
}

// truncatingBuffer is a tail-wise, byte-bounded, UTF-8-safe output buffer.
// Unlike bytes.Buffer it drops leading bytes once the limit is exceeded so
// the most recent output survives.
type truncatingBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *truncatingBuffer) ReadFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.buf.Write(chunk[:n])
			total += int64(n)
			b.enforceLimit()
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func (b *truncatingBuffer) enforceLimit() {
	if b.limit <= 0 {
		return
	}
	excess := b.buf.Len() - b.limit
	if excess <= 0 {
		return
	}
	b.buf.Next(utf8SafeCutPoint(b.buf.Bytes(), excess))
}

func (b *truncatingBuffer) String() string { return b.buf.String() }
