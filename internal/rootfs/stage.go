// Package rootfs implements the Rootfs Stager (C2): cloning a template
// disk image into a per-invocation writable copy, mounting it, injecting
// the function handler and its input, and unmounting before handing the
// staged path to the VMM.
package rootfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/KarpelesLab/reflink"
	"github.com/google/uuid"
)

// StagingError wraps any failure during staging, per spec.md §7.
type StagingError struct {
	Step string
	Err  error
}

func (e *StagingError) Error() string { return fmt.Sprintf("staging: %s: %v", e.Step, e.Err) }
func (e *StagingError) Unwrap() error { return e.Err }

// Staged is the result of a successful Stage call: the path of a
// self-contained disk image with the function and input already
// injected, safe to hand to the VMM as the root drive.
type Staged struct {
	Path string
}

// Stage clones templatePath into a uniquely-named writable disk (never
// reused across invocations, per spec.md §3), mounts it, writes
// handlerContents to /functions/handler<ext> and input to
// /functions/input.txt, then unmounts. On any failure the partially
// staged disk file is removed before the error is returned.
func Stage(runDir, templatePath string, handlerContents, input []byte, handlerExt string) (_ *Staged, err error) {
	stagedPath := filepath.Join(runDir, "nanolambda-rootfs-"+uuid.NewString()+".ext4")

	if copyErr := reflink.Auto(templatePath, stagedPath); copyErr != nil {
		return nil, &StagingError{"copy template", copyErr}
	}
	defer func() {
		if err != nil {
			os.Remove(stagedPath)
		}
	}()

	mountPoint, mkErr := os.MkdirTemp("", "nanolambda-mnt-")
	if mkErr != nil {
		return nil, &StagingError{"create mount point", mkErr}
	}
	defer os.RemoveAll(mountPoint)

	if mountErr := mount(stagedPath, mountPoint); mountErr != nil {
		return nil, &StagingError{"mount", mountErr}
	}

	injectErr := inject(mountPoint, handlerContents, input, handlerExt)

	if unmountErr := unmount(mountPoint); unmountErr != nil {
		if injectErr != nil {
			return nil, &StagingError{"inject", injectErr}
		}
		return nil, &StagingError{"unmount", unmountErr}
	}
	if injectErr != nil {
		return nil, &StagingError{"inject", injectErr}
	}

	return &Staged{Path: stagedPath}, nil
}

// Destroy removes a staged disk file. Safe to call on a path that does
// not exist.
func Destroy(s *Staged) error {
	if s == nil {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destroy staged disk: %w", err)
	}
	return nil
}

func mount(imagePath, mountPoint string) error {
	cmd := exec.Command("mount", "-o", "loop", imagePath, mountPoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount %s at %s: %w: %s", imagePath, mountPoint, err, out)
	}
	return nil
}

func unmount(mountPoint string) error {
	cmd := exec.Command("umount", mountPoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount %s: %w: %s", mountPoint, err, out)
	}
	return nil
}

func inject(mountPoint string, handlerContents, input []byte, handlerExt string) error {
	functionsDir := filepath.Join(mountPoint, "functions")
	if err := os.MkdirAll(functionsDir, 0o755); err != nil {
		return fmt.Errorf("ensure /functions: %w", err)
	}

	handlerPath := filepath.Join(functionsDir, "handler"+handlerExt)
	if err := os.WriteFile(handlerPath, handlerContents, 0o755); err != nil {
		return fmt.Errorf("write handler: %w", err)
	}

	inputPath := filepath.Join(functionsDir, "input.txt")
	if err := os.WriteFile(inputPath, input, 0o644); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}
