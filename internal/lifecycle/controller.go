// Package lifecycle implements the Lifecycle Controller (C7): the
// explicit state machine in spec.md §4.7 that orchestrates the VMM API
// Client, Rootfs Stager, Host Network Provisioner, VMM Process
// Supervisor, Serial Output Framer, and Snapshot Controller into one
// invocation, with guaranteed cleanup on every exit path.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dklima/nanolambda/internal/cleanup"
	"github.com/dklima/nanolambda/internal/config"
	"github.com/dklima/nanolambda/internal/netprovision"
	"github.com/dklima/nanolambda/internal/result"
	"github.com/dklima/nanolambda/internal/rootfs"
	"github.com/dklima/nanolambda/internal/serial"
	"github.com/dklima/nanolambda/internal/snapshot"
	"github.com/dklima/nanolambda/internal/supervisor"
	"github.com/dklima/nanolambda/internal/vmmclient"
)

const bootArgs = "console=ttyS0 reboot=k panic=1 pci=off quiet"
const snapshotBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=/init.sh"

// InvocationRequest is produced by a CLI front-end and is immutable for
// the invocation (spec.md §3).
type InvocationRequest struct {
	FunctionPath   string
	Input          []byte
	Networking     bool
	TimeoutSeconds int // 0 means use Config's per-mode default
}

// ValidationError covers spec.md §7's pre-flight failures: missing
// binary/kernel/rootfs or missing function file. No cleanup is needed
// since nothing has been acquired yet.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// GuestTimeout is logged when the configured invocation budget elapses
// while the VMM is still alive. It is not returned as an error: Invoke
// returns a Failure result carrying the raw serial log and a nil error.
type GuestTimeout struct{ Budget time.Duration }

func (e *GuestTimeout) Error() string {
	return fmt.Sprintf("guest timeout: exceeded %s", e.Budget)
}

// Controller drives one invocation at a time; it holds no per-invocation
// state between calls (spec.md §1 Non-goals: one invocation at a time
// per controller instance).
type Controller struct {
	cfg     config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	network *netprovision.Provisioner
}

// New builds a Controller. cfg is the explicit configuration value every
// component reads from; nothing here touches package-level globals.
func New(cfg config.Config, logger *zap.Logger, tracer trace.Tracer) *Controller {
	return &Controller{cfg: cfg, logger: logger, tracer: tracer, network: netprovision.New()}
}

// Invoke runs spec.md §4.7's base state machine end to end: stage,
// (optional) ensure network, spawn, configure, start, wait for the
// framed result, decode, cleanup. Cleanup always runs, in the order
// terminate VMM → remove staged disk → remove control socket → remove
// serial log, regardless of which stage failed or succeeded.
func (c *Controller) Invoke(ctx context.Context, req InvocationRequest) (result.Result, error) {
	ctx, span := c.tracer.Start(ctx, "invoke")
	defer span.End()

	if err := c.validate(req); err != nil {
		return result.Result{}, err
	}

	invocationID := uuid.NewString()
	controlSocket := c.cfg.ControlSocketPath(invocationID)
	serialLogPath := c.cfg.SerialLogPath(invocationID)

	var staged *rootfs.Staged
	var instance *supervisor.Instance

	var stack cleanup.Stack
	stack.Push("remove serial log", func() error {
		if err := os.Remove(serialLogPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	stack.Push("remove control socket", func() error {
		if err := os.Remove(controlSocket); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	stack.Push("destroy staged disk", func() error { return rootfs.Destroy(staged) })
	stack.Push("terminate vmm", func() error {
		if instance == nil {
			return nil
		}
		return instance.Shutdown(c.cfg.VmmTermGrace)
	})
	defer func() {
		if err := stack.Unwind(); err != nil {
			c.logger.Warn("cleanup reported errors", zap.Error(err), zap.String("invocation", invocationID))
		}
	}()

	state := Idle
	c.logger.Info("staging rootfs", zap.String("invocation", invocationID))

	handlerBytes, err := os.ReadFile(req.FunctionPath)
	if err != nil {
		return result.Result{}, &ValidationError{Reason: fmt.Sprintf("read function file: %v", err)}
	}

	staged, err = rootfs.Stage(c.cfg.RunDir, c.cfg.RootfsPath, handlerBytes, req.Input, filepath.Ext(req.FunctionPath))
	if err != nil {
		return result.Result{}, err
	}
	state = Staged

	if req.Networking {
		c.logger.Info("ensuring host network", zap.String("invocation", invocationID))
		if err := c.network.Ensure(netprovision.Spec{
			TapName:  c.cfg.TapName,
			TapCIDR:  c.cfg.TapCIDR,
			GuestIP:  c.cfg.GuestIP,
			GuestMac: c.cfg.GuestMac,
		}); err != nil {
			return result.Result{}, err
		}
		state = NetReady
	}

	c.logger.Info("spawning vmm", zap.String("invocation", invocationID))
	instance, err = supervisor.Spawn(ctx, c.cfg.VmmBinaryPath, controlSocket, serialLogPath, c.cfg.VmmSpawnTimeout, c.cfg.VmmSettleDelay)
	if err != nil {
		return result.Result{}, err
	}
	state = VmmUp

	client := vmmclient.New(controlSocket)
	if err := c.configure(ctx, client, staged.Path, req.Networking); err != nil {
		return result.Result{}, err
	}
	state = VmConfigured

	if err := client.Start(ctx); err != nil {
		return result.Result{}, err
	}
	state = VmRunning

	budget := c.cfg.GuestTimeout(req.Networking)
	if req.TimeoutSeconds > 0 {
		budget = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if !c.waitForExitOrTimeout(ctx, instance, budget) {
		instance.Shutdown(c.cfg.VmmTermGrace)
		c.logger.Warn("guest exceeded its budget", zap.Error(&GuestTimeout{Budget: budget}), zap.String("invocation", invocationID))
		raw, _ := os.ReadFile(serialLogPath)
		return result.Result{Kind: result.KindFailure, Text: string(raw)}, nil
	}
	state = VmDone

	frames, err := serial.Extract(serialLogPath)
	if err != nil {
		return result.Result{}, fmt.Errorf("extract serial frame: %w", err)
	}
	raw, _ := os.ReadFile(serialLogPath)
	res := result.Decode(frames, string(raw))
	state = Done

	c.logger.Info("invocation complete", zap.String("invocation", invocationID), zap.String("state", state.String()))
	return res, nil
}

func (c *Controller) validate(req InvocationRequest) error {
	if _, err := os.Stat(c.cfg.VmmBinaryPath); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("vmm binary: %v", err)}
	}
	if _, err := os.Stat(c.cfg.KernelPath); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("kernel image: %v", err)}
	}
	if _, err := os.Stat(c.cfg.RootfsPath); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("rootfs template: %v", err)}
	}
	if _, err := os.Stat(req.FunctionPath); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("function file: %v", err)}
	}
	return nil
}

// configure issues the VMM configuration calls in the mandatory order
// from spec.md §5: boot-source, drive, machine-config, (optional)
// network-interface. The VMM rejects out-of-order configuration.
func (c *Controller) configure(ctx context.Context, client *vmmclient.Client, stagedPath string, networking bool) error {
	if err := client.SetBootSource(ctx, c.cfg.KernelPath, bootArgs); err != nil {
		return err
	}
	if err := client.SetRootDrive(ctx, stagedPath); err != nil {
		return err
	}
	if err := client.SetMachineConfig(ctx, c.cfg.VcpuCount, c.cfg.MemSizeMiB); err != nil {
		return err
	}
	if networking {
		if err := client.SetNetworkInterface(ctx, c.cfg.GuestMac, c.cfg.TapName); err != nil {
			return err
		}
	}
	return nil
}

// waitForExitOrTimeout polls for the VMM process to exit on its own
// (the guest ran to completion and the VMM shut down), returning true.
// If budget elapses first while the process is still alive, or ctx is
// cancelled (a termination signal arrived), it returns false and leaves
// termination to the caller.
func (c *Controller) waitForExitOrTimeout(ctx context.Context, instance *supervisor.Instance, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if !instance.Alive() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return !instance.Alive()
}

// Prewarm runs the snapshot-aware variant from spec.md §4.7: stage,
// spawn, configure, start, wait for SNAPSHOT_READY, pause, persist a
// full snapshot, then terminate the source VMM. It returns the
// persisted Snapshot and the wall-clock cold-start duration. Like
// Invoke, cleanup is unconditional: the source VMM, staged disk, control
// socket, and serial log are all gone by the time Prewarm returns,
// successfully or not (spec.md §8 invariant 2) — only the persisted
// snapshot files under the snapshot directory survive.
func (c *Controller) Prewarm(ctx context.Context, req InvocationRequest) (*snapshot.Snapshot, time.Duration, error) {
	ctx, span := c.tracer.Start(ctx, "prewarm")
	defer span.End()

	if err := c.validate(req); err != nil {
		return nil, 0, err
	}

	coldStart := time.Now()

	invocationID := uuid.NewString()
	controlSocket := c.cfg.ControlSocketPath(invocationID)
	serialLogPath := c.cfg.SerialLogPath(invocationID)

	var staged *rootfs.Staged
	var instance *supervisor.Instance

	var stack cleanup.Stack
	stack.Push("remove serial log", func() error {
		if err := os.Remove(serialLogPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	stack.Push("remove control socket", func() error {
		if err := os.Remove(controlSocket); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	stack.Push("destroy staged disk", func() error { return rootfs.Destroy(staged) })
	stack.Push("terminate vmm", func() error {
		if instance == nil {
			return nil
		}
		return instance.Shutdown(c.cfg.VmmTermGrace)
	})
	defer func() {
		if err := stack.Unwind(); err != nil {
			c.logger.Warn("prewarm cleanup reported errors", zap.Error(err), zap.String("invocation", invocationID))
		}
	}()

	handlerBytes, err := os.ReadFile(req.FunctionPath)
	if err != nil {
		return nil, 0, &ValidationError{Reason: fmt.Sprintf("read function file: %v", err)}
	}

	staged, err = rootfs.Stage(c.cfg.RunDir, c.cfg.RootfsPath, handlerBytes, req.Input, filepath.Ext(req.FunctionPath))
	if err != nil {
		return nil, 0, err
	}

	instance, err = supervisor.Spawn(ctx, c.cfg.VmmBinaryPath, controlSocket, serialLogPath, c.cfg.VmmSpawnTimeout, c.cfg.VmmSettleDelay)
	if err != nil {
		return nil, 0, err
	}

	client := vmmclient.New(controlSocket)
	if err := client.SetBootSource(ctx, c.cfg.KernelPath, snapshotBootArgs); err != nil {
		return nil, 0, err
	}
	if err := client.SetRootDrive(ctx, staged.Path); err != nil {
		return nil, 0, err
	}
	if err := client.SetMachineConfig(ctx, c.cfg.VcpuCount, c.cfg.MemSizeMiB); err != nil {
		return nil, 0, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, 0, err
	}

	serial.WaitForReady(serialLogPath, c.cfg.SnapshotReadyTimeout, c.cfg.SnapshotReadyWindow, c.cfg.SnapshotPolicy)
	coldStartDuration := time.Since(coldStart)

	snap, err := snapshot.Create(ctx, client, c.cfg.SnapshotDir)
	if err != nil {
		return nil, 0, err
	}

	return snap, coldStartDuration, nil
}

// Restore runs the restore half of spec.md §4.7/§4.6: spawn a fresh VMM
// and load the snapshot, with no prior boot-source/drive/machine-config/
// network-interface call. Returns the restored Instance (caller owns its
// lifetime and must call Shutdown on it), the wall-clock restore
// duration, and a cleanup func that removes this invocation's control
// socket and serial log. The caller must invoke cleanup after Shutdown
// has returned, mirroring Invoke's cleanup order (terminate VMM before
// removing its socket/log) even though Restore can't run that unwind
// itself without tearing down the instance it just handed back.
func (c *Controller) Restore(ctx context.Context, snap *snapshot.Snapshot) (*supervisor.Instance, time.Duration, func(), error) {
	ctx, span := c.tracer.Start(ctx, "restore")
	defer span.End()

	start := time.Now()

	invocationID := uuid.NewString()
	controlSocket := c.cfg.ControlSocketPath(invocationID)
	serialLogPath := c.cfg.SerialLogPath(invocationID)

	var stack cleanup.Stack
	stack.Push("remove serial log", func() error {
		if err := os.Remove(serialLogPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	stack.Push("remove control socket", func() error {
		if err := os.Remove(controlSocket); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	cleanupFn := func() {
		if err := stack.Unwind(); err != nil {
			c.logger.Warn("restore cleanup reported errors", zap.Error(err), zap.String("invocation", invocationID))
		}
	}

	instance, err := supervisor.Spawn(ctx, c.cfg.VmmBinaryPath, controlSocket, serialLogPath, c.cfg.VmmSpawnTimeout, c.cfg.VmmSettleDelay)
	if err != nil {
		cleanupFn()
		return nil, 0, func() {}, err
	}

	client := vmmclient.New(controlSocket)
	if err := snapshot.Restore(ctx, client, snap); err != nil {
		instance.Shutdown(c.cfg.VmmTermGrace)
		cleanupFn()
		return nil, 0, func() {}, err
	}

	return instance, time.Since(start), cleanupFn, nil
}
