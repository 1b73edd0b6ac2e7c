package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultGuestTimeout(t *testing.T) {
	cfg := Default()
	if cfg.GuestTimeout(false) != cfg.GuestTimeoutPlain {
		t.Fatal("GuestTimeout(false) should use the plain default")
	}
	if cfg.GuestTimeout(true) != cfg.GuestTimeoutNet {
		t.Fatal("GuestTimeout(true) should use the networked default")
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"), Default())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.VcpuCount != Default().VcpuCount {
		t.Fatal("missing file should leave defaults untouched")
	}
}

func TestLoadFileOverridesBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nanolambda.toml")
	if err := os.WriteFile(path, []byte("vcpu_count = 4\nmem_size_mib = 1024\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path, Default())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.VcpuCount != 4 {
		t.Fatalf("VcpuCount = %d, want 4", cfg.VcpuCount)
	}
	if cfg.MemSizeMiB != 1024 {
		t.Fatalf("MemSizeMiB = %d, want 1024", cfg.MemSizeMiB)
	}
}

func TestSocketAndLogPathsAreUniquePerInvocation(t *testing.T) {
	cfg := Default()
	if cfg.ControlSocketPath("a") == cfg.ControlSocketPath("b") {
		t.Fatal("control socket paths must differ across invocations")
	}
	if cfg.SerialLogPath("a") == cfg.SerialLogPath("b") {
		t.Fatal("serial log paths must differ across invocations")
	}
}
