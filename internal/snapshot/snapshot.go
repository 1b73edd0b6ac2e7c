// Package snapshot implements the Snapshot Controller (C6): pausing a
// running VMM, persisting a full snapshot to a fresh directory, and
// restoring one onto a freshly spawned VMM.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dklima/nanolambda/internal/vmmclient"
)

// Snapshot is the pair of files that together capture a paused micro-VM,
// matching the Snapshot data model in spec.md §3.
type Snapshot struct {
	StatePath  string
	MemoryPath string
}

// Create pauses the VM behind client and persists a full snapshot into
// dir. dir is created if it does not exist; an existing dir is reused
// and is not emptied first. Per spec.md §4.6 the source VMM is always
// terminated by the caller after a successful snapshot; Create itself
// only pauses and persists. Partially-written artifacts are removed on
// any failure.
func Create(ctx context.Context, client *vmmclient.Client, dir string) (_ *Snapshot, err error) {
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", mkErr)
	}

	statePath := filepath.Join(dir, "vm_state")
	memPath := filepath.Join(dir, "vm_mem")

	defer func() {
		if err != nil {
			os.Remove(statePath)
			os.Remove(memPath)
		}
	}()

	if pauseErr := client.Pause(ctx); pauseErr != nil {
		return nil, fmt.Errorf("pause before snapshot: %w", pauseErr)
	}

	if createErr := client.CreateSnapshot(ctx, statePath, memPath); createErr != nil {
		return nil, fmt.Errorf("create snapshot: %w", createErr)
	}

	return &Snapshot{StatePath: statePath, MemoryPath: memPath}, nil
}

// Restore loads a previously persisted snapshot onto a freshly spawned
// VMM. No boot-source, drive, machine-config, or network-interface call
// is issued first; those settings are part of the snapshot (spec.md
// §4.6). The memory backend stays File-backed per the preserved Open
// Question decision in DESIGN.md.
func Restore(ctx context.Context, client *vmmclient.Client, snap *Snapshot) error {
	if err := client.LoadSnapshot(ctx, snap.StatePath, snap.MemoryPath); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

// MemoryFileSize returns the size in bytes of the persisted memory file,
// used to verify the invariant that it equals M * 1048576 for an
// M-MiB VM (spec.md §8 invariant 5).
func (s *Snapshot) MemoryFileSize() (int64, error) {
	info, err := os.Stat(s.MemoryPath)
	if err != nil {
		return 0, fmt.Errorf("stat memory file: %w", err)
	}
	return info.Size(), nil
}
