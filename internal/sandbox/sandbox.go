// Package sandbox implements the Sandbox component (spec.md §4.3): a
// created VM paired with an Agent Transport, exposing typed operations and
// guaranteeing at most one in-flight RPC per sandbox. Grounded on
// original_source/crates/bouvet-core/src/sandbox.rs, translated into the
// teacher's Go idiom (internal/session/manager.go's per-entity mutex and
// typed-result method set).
package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/sberr"
	"github.com/vmforge/vmforge/internal/transport"
	"github.com/vmforge/vmforge/internal/wire"
)

// State is the tagged variant of spec.md §3: Creating -> Ready ->
// Destroyed, one-way and monotone.
type State int

const (
	Creating State = iota
	Ready
	Destroyed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "Creating"
	case Ready:
		return "Ready"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Sandbox owns the hypervisor VM handle, the Agent Transport, the config
// it was created with, its current state, and its creation timestamp. Its
// identifier equals the VM identifier (spec.md §3).
type Sandbox struct {
	id        string
	workDir   string
	vm        hypervisor.VMHandle
	transport *transport.Transport
	config    Config
	createdAt time.Time
	logger    *slog.Logger

	mu    sync.Mutex // serializes every operation; guards state
	state State
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the SandboxConfig used at creation.
func (s *Sandbox) Config() Config { return s.config }

// CreatedAt returns the creation timestamp.
func (s *Sandbox) CreatedAt() time.Time { return s.createdAt }

// Create is the Sandbox factory (spec.md §4.3): generates a fresh id,
// creates the per-sandbox directory, invokes the launcher, opens the
// Agent Transport, and pings it. Any failure triggers best-effort cleanup
// of whatever succeeded and returns the originating error.
func Create(ctx context.Context, launcher hypervisor.VmLauncher, cfg Config, logger *slog.Logger) (*Sandbox, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, sberr.Launcher(err.Error())
	}

	id := uuid.NewString()
	workDir := filepath.Join(cfg.WorkDirRoot, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, sberr.LauncherWrap(err)
	}

	launchCfg := hypervisor.LaunchConfig{
		KernelPath:       cfg.KernelPath,
		RootfsPath:       cfg.RootfsPath,
		HypervisorBinary: cfg.HypervisorBinary,
		WorkDir:          workDir,
		VCPUCount:        cfg.VCPUCount,
		MemoryMiB:        cfg.MemoryMiB,
		ChannelID:        cfg.ChannelID,
	}

	vm, err := launcher.CreateWithID(ctx, id, launchCfg)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, wrapLauncherErr(err)
	}

	tr, err := transport.Connect(ctx, launchCfg.GuestSocketPath())
	if err != nil {
		_ = vm.Destroy(ctx)
		os.RemoveAll(workDir)
		return nil, err
	}

	if err := tr.Ping(ctx); err != nil {
		tr.Close()
		_ = vm.Destroy(ctx)
		os.RemoveAll(workDir)
		return nil, err
	}

	sb := &Sandbox{
		id:        id,
		workDir:   workDir,
		vm:        vm,
		transport: tr,
		config:    cfg,
		createdAt: time.Now(),
		logger:    logger,
		state:     Ready,
	}
	if logger != nil {
		logger.Info("sandbox ready", "sandbox_id", id)
	}
	return sb, nil
}

func wrapLauncherErr(err error) error {
	if _, ok := sberr.KindOf(err); ok {
		return err
	}
	return sberr.LauncherWrap(err)
}

func (s *Sandbox) ensureReady() error {
	if s.state != Ready {
		return sberr.InvalidState("Ready", s.state.String())
	}
	return nil
}

func (s *Sandbox) callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// Exec runs a shell command in the sandbox.
func (s *Sandbox) Exec(ctx context.Context, cmd string) (wire.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return wire.ExecResult{}, err
	}
	cctx, cancel := s.callTimeout(ctx)
	defer cancel()
	return s.transport.Exec(cctx, cmd)
}

// ExecCode runs a code snippet in the given language in the sandbox.
func (s *Sandbox) ExecCode(ctx context.Context, lang, code string) (wire.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return wire.ExecResult{}, err
	}
	cctx, cancel := s.callTimeout(ctx)
	defer cancel()
	return s.transport.ExecCode(cctx, lang, code)
}

// ReadFile reads a file from the sandbox.
func (s *Sandbox) ReadFile(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	cctx, cancel := s.callTimeout(ctx)
	defer cancel()
	return s.transport.ReadFile(cctx, path)
}

// WriteFile writes a file in the sandbox.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return err
	}
	cctx, cancel := s.callTimeout(ctx)
	defer cancel()
	return s.transport.WriteFile(cctx, path, content)
}

// ListDir lists a directory in the sandbox.
func (s *Sandbox) ListDir(ctx context.Context, path string) ([]wire.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cctx, cancel := s.callTimeout(ctx)
	defer cancel()
	return s.transport.ListDir(cctx, path)
}

// IsHealthy reports whether the sandbox is Ready and its agent responds to
// ping. If the transport is currently busy serving another call, it is
// assumed healthy rather than blocking (spec.md §4.3).
func (s *Sandbox) IsHealthy(ctx context.Context) bool {
	if !s.mu.TryLock() {
		return true
	}
	defer s.mu.Unlock()
	if s.state != Ready {
		return false
	}
	return s.transport.Ping(ctx) == nil
}

// Destroy consumes the Sandbox: sets state to Destroyed, tears down the VM,
// then removes its working directory. Launcher errors are propagated;
// directory-removal errors are swallowed (best-effort).
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Destroyed
	s.transport.Close()

	if err := s.vm.Destroy(ctx); err != nil {
		return wrapLauncherErr(err)
	}
	os.RemoveAll(s.workDir)
	if s.logger != nil {
		s.logger.Info("sandbox destroyed", "sandbox_id", s.id)
	}
	return nil
}
