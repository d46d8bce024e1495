// Package hypervisor implements a concrete VmLauncher (spec.md §6): it
// spawns a hypervisor process, configures its boot source, drives,
// vCPU/memory, and vsock device over the hypervisor's own Unix-socket HTTP
// API, and waits for the host end of the guest channel to appear. Grounded
// on original_source/crates/bouvet-vm/src/vsock.rs (the PUT /vsock
// exchange) and the teacher's internal/runtime/linux process-supervision
// idiom (os/exec child tracking, bounded socket-wait polling, graceful
// then forceful kill).
//
// The core treats VmLauncher as an abstraction (spec.md §9): any hypervisor
// family may implement it. This package is one concrete implementation,
// not the only one the interface permits.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-units"

	"github.com/vmforge/vmforge/internal/sberr"
)

// SocketWaitTimeout bounds how long CreateWithID waits for the hypervisor's
// API socket and the guest channel socket to appear on disk.
const SocketWaitTimeout = 5 * time.Second

// LaunchConfig carries everything the launcher needs to boot one VM.
// Mirrors SandboxConfig's launcher-relevant fields (spec.md §3).
type LaunchConfig struct {
	KernelPath       string
	RootfsPath       string
	HypervisorBinary string
	WorkDir          string // <workdir>/<sandbox-id>/
	VCPUCount        int
	MemoryMiB        int
	ChannelID        uint32
}

// GuestSocketPath is where the launcher must place the host end of the
// guest channel, per spec.md §4.3 step 3.
func (c LaunchConfig) GuestSocketPath() string {
	return filepath.Join(c.WorkDir, "v.sock")
}

func (c LaunchConfig) apiSocketPath() string {
	return filepath.Join(c.WorkDir, "firecracker.socket")
}

// VMHandle is returned by CreateWithID and torn down via Destroy.
type VMHandle interface {
	Destroy(ctx context.Context) error
}

// RunningChecker is an optional capability a VMHandle may additionally
// implement to report whether the VM process is still alive. processHandle
// implements it; nothing else in this repository calls it, and the Health
// Reconciler judges sandboxes by the agent-level ping alone. Not every
// VmLauncher implementation needs to support it.
type RunningChecker interface {
	IsRunning(ctx context.Context) (bool, error)
}

// VmLauncher is the capability the core depends on (spec.md §6).
type VmLauncher interface {
	CreateWithID(ctx context.Context, sandboxID string, cfg LaunchConfig) (VMHandle, error)
}

// ProcessLauncher spawns the hypervisor as a child process and drives its
// control-socket HTTP API.
type ProcessLauncher struct {
	logger *slog.Logger
}

func NewProcessLauncher(logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{logger: logger}
}

func (l *ProcessLauncher) CreateWithID(ctx context.Context, sandboxID string, cfg LaunchConfig) (VMHandle, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, sberr.LauncherWrap(err)
	}

	apiSock := cfg.apiSocketPath()
	os.Remove(apiSock)

	cmd := exec.Command(cfg.HypervisorBinary, "--api-sock", apiSock)
	cmd.Dir = cfg.WorkDir
	if err := cmd.Start(); err != nil {
		return nil, sberr.LauncherWrap(err)
	}

	if err := waitForPath(ctx, apiSock, SocketWaitTimeout); err != nil {
		killBestEffort(cmd)
		return nil, sberr.Launcher(fmt.Sprintf("hypervisor did not open API socket: %s", err))
	}

	client := unixHTTPClient(apiSock)

	if err := putJSON(ctx, client, "/boot-source", map[string]any{
		"kernel_image_path": cfg.KernelPath,
	}); err != nil {
		killBestEffort(cmd)
		return nil, sberr.LauncherWrap(err)
	}
	if err := putJSON(ctx, client, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   cfg.RootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		killBestEffort(cmd)
		return nil, sberr.LauncherWrap(err)
	}
	if err := putJSON(ctx, client, "/machine-config", map[string]any{
		"vcpu_count":  cfg.VCPUCount,
		"mem_size_mib": cfg.MemoryMiB,
	}); err != nil {
		killBestEffort(cmd)
		return nil, sberr.LauncherWrap(err)
	}
	if err := putJSON(ctx, client, "/vsock", map[string]any{
		"guest_cid": cfg.ChannelID,
		"uds_path":  cfg.GuestSocketPath(),
	}); err != nil {
		killBestEffort(cmd)
		return nil, sberr.LauncherWrap(err)
	}
	if l.logger != nil {
		l.logger.Debug("hypervisor configured", "sandbox_id", sandboxID,
			"memory", units.BytesSize(float64(cfg.MemoryMiB)*1024*1024), "vcpus", cfg.VCPUCount)
	}

	if err := putJSON(ctx, client, "/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		killBestEffort(cmd)
		return nil, sberr.LauncherWrap(err)
	}

	if err := waitForPath(ctx, cfg.GuestSocketPath(), SocketWaitTimeout); err != nil {
		killBestEffort(cmd)
		return nil, sberr.Launcher(fmt.Sprintf("guest channel socket did not appear: %s", err))
	}

	return &processHandle{cmd: cmd, logger: l.logger, sandboxID: sandboxID}, nil
}

type processHandle struct {
	cmd       *exec.Cmd
	logger    *slog.Logger
	sandboxID string
}

func (h *processHandle) Destroy(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		_ = h.cmd.Process.Kill()
		<-done
		return nil
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		return sberr.LauncherWrap(ctx.Err())
	}
}

func (h *processHandle) IsRunning(ctx context.Context) (bool, error) {
	if h.cmd.Process == nil {
		return false, nil
	}
	err := h.cmd.Process.Signal(syscall.Signal(0))
	return err == nil, nil
}

func killBestEffort(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

func waitForPath(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: SocketWaitTimeout,
	}
}

func putJSON(ctx context.Context, client *http.Client, path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://unix"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hypervisor API %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
