// Package registry implements the Sandbox Registry (spec.md §4.4): the
// central directory of live sandboxes keyed by SandboxId, with a hard cap
// and its own ChannelId counter. Grounded on internal/session/manager.go's
// map-plus-RWMutex idiom, generalized to the spec's exact locking
// discipline (spec.md §5: the map lock is never held across VM creation,
// only around insert/remove and read-only dispatch).
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vmforge/vmforge/internal/channelid"
	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/sandbox"
	"github.com/vmforge/vmforge/internal/sberr"
	"github.com/vmforge/vmforge/internal/wire"
)

// DefaultMaxSandboxes is the default hard cap (the daemon config's
// max_sandboxes default is the same value). New does not substitute it:
// a maxCap of 0 or less passed to New means unlimited (spec.md §4.4).
const DefaultMaxSandboxes = 100

// Registry is the central directory of live, Ready sandboxes.
type Registry struct {
	launcher hypervisor.VmLauncher
	template sandbox.Config
	maxCap   int
	logger   *slog.Logger

	allocator *channelid.Allocator

	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
}

// New constructs a Registry. maxCap <= 0 means unlimited.
func New(launcher hypervisor.VmLauncher, template sandbox.Config, maxCap int, logger *slog.Logger) *Registry {
	return &Registry{
		launcher:  launcher,
		template:  template,
		maxCap:    maxCap,
		logger:    logger,
		allocator: channelid.New(channelid.RegistryBase),
		sandboxes: make(map[string]*sandbox.Sandbox),
	}
}

func (r *Registry) atCap() bool {
	return r.maxCap > 0 && len(r.sandboxes) >= r.maxCap
}

// Create assigns a fresh ChannelId, creates a new Sandbox from cfg, and
// inserts it. Rejects with ResourceLimit before attempting the (slow) VM
// creation if the registry is already at its cap.
func (r *Registry) Create(ctx context.Context, cfg sandbox.Config) (string, error) {
	r.mu.RLock()
	full := r.atCap()
	r.mu.RUnlock()
	if full {
		return "", sberr.ResourceLimit(r.maxCap)
	}

	cfg.ChannelID = r.allocator.Next()
	sb, err := sandbox.Create(ctx, r.launcher, cfg, r.logger)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.atCap() {
		r.mu.Unlock()
		_ = sb.Destroy(ctx)
		return "", sberr.ResourceLimit(r.maxCap)
	}
	r.sandboxes[sb.ID()] = sb
	r.mu.Unlock()

	return sb.ID(), nil
}

// CreateDefault creates a Sandbox from the Registry's template config.
func (r *Registry) CreateDefault(ctx context.Context) (string, error) {
	return r.Create(ctx, r.template)
}

// Overrides carries the optional per-call memory/vCPU overrides named by
// spec.md §6's create_sandbox(optional memory, optional vcpus).
type Overrides struct {
	MemoryMiB *int
	VCPUCount *int
}

// CreateWithOverrides creates a Sandbox from a copy of the Registry's
// template config with any non-nil override fields applied.
func (r *Registry) CreateWithOverrides(ctx context.Context, o Overrides) (string, error) {
	cfg := r.template
	if o.MemoryMiB != nil {
		cfg.MemoryMiB = *o.MemoryMiB
	}
	if o.VCPUCount != nil {
		cfg.VCPUCount = *o.VCPUCount
	}
	return r.Create(ctx, cfg)
}

// Register inserts a Sandbox the caller already created elsewhere (used by
// the Warm Pool handoff). It does not assign a ChannelId — the sandbox
// already has one from the Pool's own allocator. On cap rejection the
// caller retains ownership of sb and must destroy it.
func (r *Registry) Register(sb *sandbox.Sandbox) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.atCap() {
		return "", sberr.ResourceLimit(r.maxCap)
	}
	r.sandboxes[sb.ID()] = sb
	return sb.ID(), nil
}

// Destroy removes and tears down the sandbox identified by id. The map
// lock is released before the slow VM teardown so other creations are not
// blocked by it.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	sb, ok := r.sandboxes[id]
	if !ok {
		r.mu.Unlock()
		return sberr.NotFound(id)
	}
	delete(r.sandboxes, id)
	r.mu.Unlock()

	return sb.Destroy(ctx)
}

// DestroyAll atomically swaps the map with an empty one and destroys every
// collected sandbox sequentially. Individual errors are logged, not
// propagated; iteration continues.
func (r *Registry) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	collected := r.sandboxes
	r.sandboxes = make(map[string]*sandbox.Sandbox)
	r.mu.Unlock()

	for id, sb := range collected {
		if err := sb.Destroy(ctx); err != nil {
			if r.logger != nil {
				r.logger.Error("destroy_all: sandbox teardown failed", "sandbox_id", id, "error", err)
			}
		}
	}
}

// Execute runs a shell command in the named sandbox.
func (r *Registry) Execute(ctx context.Context, id, cmd string) (wire.ExecResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return wire.ExecResult{}, sberr.NotFound(id)
	}
	return sb.Exec(ctx, cmd)
}

// ExecuteCode runs a code snippet in the given language in the named sandbox.
func (r *Registry) ExecuteCode(ctx context.Context, id, lang, code string) (wire.ExecResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return wire.ExecResult{}, sberr.NotFound(id)
	}
	return sb.ExecCode(ctx, lang, code)
}

// ReadFile reads a file from the named sandbox.
func (r *Registry) ReadFile(ctx context.Context, id, path string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return "", sberr.NotFound(id)
	}
	return sb.ReadFile(ctx, path)
}

// WriteFile writes a file in the named sandbox.
func (r *Registry) WriteFile(ctx context.Context, id, path, content string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return sberr.NotFound(id)
	}
	return sb.WriteFile(ctx, path, content)
}

// ListDir lists a directory in the named sandbox.
func (r *Registry) ListDir(ctx context.Context, id, path string) ([]wire.FileEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return nil, sberr.NotFound(id)
	}
	return sb.ListDir(ctx, path)
}

// List returns every live sandbox id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sandboxes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}

// Exists reports whether id names a live sandbox.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sandboxes[id]
	return ok
}

// Get exposes the Sandbox for callers (e.g. the Health Reconciler) that
// need to act on it directly rather than through the routing methods
// above. It does not remove the sandbox from the registry.
func (r *Registry) Get(id string) (*sandbox.Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	return sb, ok
}
