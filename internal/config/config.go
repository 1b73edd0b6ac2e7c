// Package config builds the explicit Config value every component in
// nanolambda is constructed from. Nothing in this repository reads an
// environment variable or a package-level constant directly; main wires
// a Config once and passes it down.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// SnapshotReadyPolicy names the handshake-wait strategy used while
// watching a pre-warm guest's serial log for SNAPSHOT_READY.
type SnapshotReadyPolicy string

const (
	// StrictMarker only returns true when the literal marker line appears.
	StrictMarker SnapshotReadyPolicy = "strict-marker"
	// MarkerOrStable returns true on the marker, or once the log has been
	// byte-stable for the stability window, whichever comes first.
	MarkerOrStable SnapshotReadyPolicy = "marker-or-stable"
	// BestEffort additionally returns true at the hard timeout regardless
	// of marker or stability. This is the historical behavior and the
	// default.
	BestEffort SnapshotReadyPolicy = "best-effort"
)

// Config is the complete set of tunables for one controller instance.
// Defaults mirror the original tool's top-of-file constants. Fields with
// a toml tag can be overridden by a TOML file; the timeouts cannot. Of
// the CLI flags, only --local and --trace set fields (Local and Trace).
type Config struct {
	// Binaries and images.
	VmmBinaryPath string `toml:"vmm_binary_path"`
	KernelPath    string `toml:"kernel_path"`
	RootfsPath    string `toml:"rootfs_path"`

	// Filesystem layout.
	RunDir      string `toml:"run_dir"`
	SnapshotDir string `toml:"snapshot_dir"`

	// Machine resources.
	VcpuCount  int `toml:"vcpu_count"`
	MemSizeMiB int `toml:"mem_size_mib"`

	// Networking (only consulted when Networking is requested).
	TapName  string `toml:"tap_name"`
	TapCIDR  string `toml:"tap_cidr"`
	GuestIP  string `toml:"guest_ip"`
	GuestMac string `toml:"guest_mac"`

	// Timeouts.
	VmmSpawnTimeout      time.Duration `toml:"-"`
	VmmSettleDelay       time.Duration `toml:"-"`
	VmmTermGrace         time.Duration `toml:"-"`
	GuestTimeoutPlain    time.Duration `toml:"-"`
	GuestTimeoutNet      time.Duration `toml:"-"`
	SnapshotReadyWindow  time.Duration `toml:"-"`
	SnapshotReadyTimeout time.Duration `toml:"-"`

	SnapshotPolicy SnapshotReadyPolicy `toml:"snapshot_ready_policy"`

	// Local toggles zap.Development mode and disables stack traces in
	// production mode when false.
	Local bool `toml:"-"`
	Trace bool `toml:"-"`
}

// Default returns the compiled-in defaults, matching the constants the
// Python originals hard-coded at the top of each script.
func Default() Config {
	return Config{
		VmmBinaryPath: "./firecracker",
		KernelPath:    "./vmlinux.bin",
		RootfsPath:    "./rootfs.ext4",

		RunDir:      "/tmp",
		SnapshotDir: "/tmp/fc-snapshot",

		VcpuCount:  1,
		MemSizeMiB: 256,

		TapName:  "tap0",
		TapCIDR:  "172.16.0.1/24",
		GuestIP:  "172.16.0.2",
		GuestMac: "AA:FC:00:00:00:01",

		VmmSpawnTimeout:      5 * time.Second,
		VmmSettleDelay:       200 * time.Millisecond,
		VmmTermGrace:         5 * time.Second,
		GuestTimeoutPlain:    30 * time.Second,
		GuestTimeoutNet:      60 * time.Second,
		SnapshotReadyWindow:  5 * time.Second,
		SnapshotReadyTimeout: 60 * time.Second,

		SnapshotPolicy: BestEffort,
	}
}

// LoadFile merges a TOML config file on top of a base Config. A missing
// file is not an error: Config.Default() alone is a valid configuration.
func LoadFile(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	if _, err := toml.DecodeFile(path, &base); err != nil {
		return base, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return base, nil
}

// ControlSocketPath is the per-invocation UNIX socket the VMM listens on.
func (c Config) ControlSocketPath(invocationID string) string {
	return fmt.Sprintf("%s/nanolambda-%s.sock", c.RunDir, invocationID)
}

// SerialLogPath is the per-invocation serial console capture file.
func (c Config) SerialLogPath(invocationID string) string {
	return fmt.Sprintf("%s/nanolambda-%s.log", c.RunDir, invocationID)
}

// SnapshotStatePath is the state half of a persisted snapshot.
func (c Config) SnapshotStatePath() string {
	return c.SnapshotDir + "/vm_state"
}

// SnapshotMemPath is the memory half of a persisted snapshot.
func (c Config) SnapshotMemPath() string {
	return c.SnapshotDir + "/vm_mem"
}

// GuestTimeout selects the default invocation budget for the requested mode.
func (c Config) GuestTimeout(networking bool) time.Duration {
	if networking {
		return c.GuestTimeoutNet
	}
	return c.GuestTimeoutPlain
}
