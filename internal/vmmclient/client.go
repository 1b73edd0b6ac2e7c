// Package vmmclient is the typed VMM API Client (C1): request/response
// plumbing over a UNIX-domain-socket HTTP control plane. The transport
// hides the "socket path encoded into the URL" hack behind a plain
// *http.Client whose DialContext always dials the configured socket,
// regardless of what host/scheme a caller writes in the request path —
// the same technique the teacher's NewFirecrackerAPI uses, generalized
// so call sites never see it.
package vmmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to one VMM's control plane over its UNIX control socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// New returns a Client bound to socketPath. No connection is made until
// the first request; the caller is expected to have already waited for
// the socket to appear (see internal/supervisor).
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			addr, err := net.ResolveUnixAddr("unix", socketPath)
			if err != nil {
				return nil, err
			}
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", addr.String())
		},
	}
	return &Client{
		socketPath: socketPath,
		http:       &http.Client{Transport: transport},
	}
}

// ApiError is returned for any VMM response with status >= 400.
type ApiError struct {
	Status int
	Body   string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("vmm api error: status %d: %s", e.Status, e.Body)
}

// do issues one request against the fixed control-plane host; the host
// name itself is irrelevant since DialContext ignores it, but a stable
// placeholder keeps request construction readable and keeps http.Request
// happy about having a URL.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://vmm.sock"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &ApiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// SetBootSource configures the kernel image and boot arguments. Must be
// the first configuration call issued for a VMM.
func (c *Client) SetBootSource(ctx context.Context, kernelImagePath, bootArgs string) error {
	_, err := c.do(ctx, http.MethodPut, "/boot-source", bootSource{
		KernelImagePath: kernelImagePath,
		BootArgs:        bootArgs,
	})
	return err
}

// SetRootDrive configures the root block device. Must follow SetBootSource.
func (c *Client) SetRootDrive(ctx context.Context, pathOnHost string) error {
	_, err := c.do(ctx, http.MethodPut, "/drives/rootfs", drive{
		DriveID:      "rootfs",
		PathOnHost:   pathOnHost,
		IsRootDevice: true,
		// Retained as-is per the spec's explicit guidance: writes are
		// lost on VM exit regardless of this flag.
		IsReadOnly: false,
	})
	return err
}

// SetMachineConfig configures vCPU count and memory size. Must follow
// SetRootDrive.
func (c *Client) SetMachineConfig(ctx context.Context, vcpuCount, memSizeMiB int) error {
	_, err := c.do(ctx, http.MethodPut, "/machine-config", machineConfig{
		VcpuCount:  vcpuCount,
		MemSizeMiB: memSizeMiB,
	})
	return err
}

// SetNetworkInterface attaches the host TAP device as eth0. Optional;
// when called, it must follow SetMachineConfig and precede Start.
func (c *Client) SetNetworkInterface(ctx context.Context, guestMac, hostDevName string) error {
	_, err := c.do(ctx, http.MethodPut, "/network-interfaces/eth0", networkInterface{
		IfaceID:     "eth0",
		GuestMac:    guestMac,
		HostDevName: hostDevName,
	})
	return err
}

// Start issues InstanceStart. Must be the last configuration call.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/actions", action{ActionType: "InstanceStart"})
	return err
}

// Pause transitions a running VM to Paused, required before a snapshot.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPatch, "/vm", vmState{State: "Paused"})
	return err
}

// Resume transitions a paused VM back to Resumed.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPatch, "/vm", vmState{State: "Resumed"})
	return err
}

// CreateSnapshot requests a full snapshot of a paused VM.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	_, err := c.do(ctx, http.MethodPut, "/snapshot/create", createSnapshot{
		SnapshotType: "Full",
		SnapshotPath: snapshotPath,
		MemFilePath:  memFilePath,
	})
	return err
}

// LoadSnapshot restores and resumes a fresh VMM from a previously
// persisted snapshot. The memory backend stays File-backed, matching the
// original tooling and the spec's explicit guidance to preserve it.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	_, err := c.do(ctx, http.MethodPut, "/snapshot/load", loadSnapshot{
		SnapshotPath: snapshotPath,
		MemBackend: memBackend{
			BackendType: "File",
			BackendPath: memFilePath,
		},
		EnableDiffSnapshots: false,
		ResumeVm:            true,
	})
	return err
}

// RetryOnEOF retries fn up to maxAttempts times with exponential backoff
// (starting at 50ms, doubling, capped at 1s) whenever fn fails with an
// I/O error consistent with the VMM socket momentarily not being ready
// to accept a connection yet (the window right after process spawn).
// This mirrors the teacher's retryHttpRequest helper around
// LoadSnapshot/PutMmds calls.
func RetryOnEOF(ctx context.Context, maxAttempts int, fn func(context.Context) error) error {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return err != nil && (isEOF(err) || isConnRefused(err))
}

func isEOF(err error) bool {
	return strings.Contains(err.Error(), "EOF")
}

func isConnRefused(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such file or directory")
}
