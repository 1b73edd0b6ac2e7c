// Package supervisor implements the VMM Process Supervisor (C4): spawns
// the VMM child, redirects its stdout/stderr to the serial log file,
// waits for the control socket to appear, and tears the child down with
// SIGTERM-then-SIGKILL escalation.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SpawnTimeout is returned when the control socket never appears.
type SpawnTimeout struct {
	SocketPath string
	Waited     time.Duration
}

func (e *SpawnTimeout) Error() string {
	return fmt.Sprintf("vmm spawn timeout: socket %s did not appear within %s", e.SocketPath, e.Waited)
}

// Instance is a running (or exited) VMM child process, matching the
// VmmInstance data model in spec.md §3.
type Instance struct {
	ChildPID      int
	ControlSocket string
	SerialLogPath string

	cmd     *exec.Cmd
	logFile *os.File

	// exited is closed by the background reaper goroutine once cmd.Wait
	// returns. It is the single point of truth for "has the VMM exited",
	// replacing a kill(pid, 0) liveness probe, which would otherwise see
	// an unreaped zombie as still alive forever.
	exited  chan struct{}
	exitErr error

	shutdownOnce sync.Once
}

// Spawn launches the VMM binary, waits for its control socket to appear,
// and returns the running Instance. Preconditions: neither controlSocket
// nor serialLogPath pre-exists; stale artifacts are removed first
// (spec.md §4.4).
func Spawn(ctx context.Context, vmmBinary, controlSocket, serialLogPath string, spawnTimeout, settleDelay time.Duration) (*Instance, error) {
	_ = os.Remove(controlSocket)
	_ = os.Remove(serialLogPath)

	logFile, err := os.Create(serialLogPath)
	if err != nil {
		return nil, fmt.Errorf("open serial log: %w", err)
	}

	cmd := exec.Command(vmmBinary, "--api-sock", controlSocket)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start vmm: %w", err)
	}

	inst := &Instance{
		ChildPID:      cmd.Process.Pid,
		ControlSocket: controlSocket,
		SerialLogPath: serialLogPath,
		cmd:           cmd,
		logFile:       logFile,
		exited:        make(chan struct{}),
	}

	// cmd.Wait must only ever be called once; this goroutine is the sole
	// caller, reaping the child as soon as it exits (mirroring the cached
	// Wait idiom the teacher's sandbox/fc.go uses) so Alive and Shutdown
	// never have to guess from an unreaped zombie's signal-ability.
	go func() {
		inst.exitErr = inst.cmd.Wait()
		close(inst.exited)
	}()

	if err := waitForSocket(ctx, controlSocket, spawnTimeout); err != nil {
		inst.Shutdown(5 * time.Second)
		return nil, err
	}

	time.Sleep(settleDelay)

	return inst, nil
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	const (
		interval    = 100 * time.Millisecond
		maxAttempts = 50
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.Now().Add(timeout)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return &SpawnTimeout{SocketPath: path, Waited: timeout}
}

// Shutdown sends SIGTERM to the whole process group, waits up to grace,
// then kills and waits unconditionally. Safe to call multiple times and
// on a nil-process Instance (reentrancy-safe per spec.md §4.9). Signals
// target the group (negative pid), not just the VMM's own pid, since
// Setpgid put it in its own group at spawn time and the VMM may have
// spawned helper processes under it. The actual reap happens in the
// goroutine started by Spawn; Shutdown only waits on its result.
func (i *Instance) Shutdown(grace time.Duration) error {
	i.shutdownOnce.Do(func() {
		if i.logFile != nil {
			i.logFile.Close()
		}
		if i.cmd == nil || i.cmd.Process == nil || i.exited == nil {
			return
		}

		_ = unix.Kill(-i.cmd.Process.Pid, syscall.SIGTERM)

		select {
		case <-i.exited:
			return
		case <-time.After(grace):
		}

		_ = unix.Kill(-i.cmd.Process.Pid, syscall.SIGKILL)
		<-i.exited
	})
	return i.exitErr
}

// Alive reports whether the VMM process has not yet been reaped. Used by
// the lifecycle controller's guest-timeout check: it must see a guest
// that ran to completion and exited on its own, not just a process that
// could still be signaled (an unreaped zombie always can be).
func (i *Instance) Alive() bool {
	if i.cmd == nil || i.exited == nil {
		return false
	}
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}
