// Package facade implements the Service Facade (spec.md §4.6): the single
// entry point callers (the admin HTTP surface, the CLI) use to drive
// sandboxes, wiring the Warm Pool in front of the Registry and applying
// input-size limits before anything is dispatched. Grounded on
// original_source/crates/bouvet-mcp/src/types.rs's method surface and the
// teacher's internal/api handler layer (thin wrapper validating input,
// then delegating to the owning component).
package facade

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vmforge/vmforge/internal/pool"
	"github.com/vmforge/vmforge/internal/registry"
	"github.com/vmforge/vmforge/internal/sberr"
	"github.com/vmforge/vmforge/internal/wire"
)

// MaxInputSize bounds file content and code snippets (spec.md §4.6).
const MaxInputSize = 10 * 1024 * 1024

// MaxCommandLength bounds the "exec" command string (spec.md §4.6).
const MaxCommandLength = 1 * 1024 * 1024

// Facade is the pool-aware entry point. Pool may be nil, in which case
// every create is a cold create through the Registry directly.
type Facade struct {
	registry *registry.Registry
	pool     *pool.Pool
	logger   *slog.Logger
}

// New constructs a Facade. pool may be nil to disable warm pooling.
func New(r *registry.Registry, p *pool.Pool, logger *slog.Logger) *Facade {
	return &Facade{registry: r, pool: p, logger: logger}
}

// validateID maps any parse failure to the exact same NotFound rendering
// an unknown-but-well-formed id would produce, so callers cannot
// distinguish a malformed id from a valid id that just doesn't exist
// (spec.md §4.6, §8 scenario S4).
func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return sberr.NotFound(id)
	}
	return nil
}

// CreateOptions carries the optional per-call overrides of
// create_sandbox(optional memory, optional vcpus) (spec.md §6). A nil field
// means "use the template default."
type CreateOptions struct {
	MemoryMiB *int
	VCPUCount *int
}

// CreateSandbox takes a sandbox from the pool if one is wired in, falling
// through to a cold create via the Registry (applying opts) if the pool is
// absent, pool.Acquire fails, or registration of the acquired sandbox fails
// (spec.md §4.6 step 1: destroy the rejected sandbox, then fall through to
// step 2). An empty pool does not fall through here: Acquire cold-creates
// from the pool's own template. Overrides never apply to a sandbox obtained
// from the pool, warm or cold, since it is booted from the pool's fixed
// template.
func (f *Facade) CreateSandbox(ctx context.Context, opts CreateOptions) (string, error) {
	if f.pool != nil {
		if sb, err := f.pool.Acquire(ctx); err == nil {
			id, err := f.registry.Register(sb)
			if err == nil {
				return id, nil
			}
			_ = sb.Destroy(ctx) // caller (us) retains ownership on rejection
			// fall through to cold-start
		}
	}

	return f.registry.CreateWithOverrides(ctx, registry.Overrides{
		MemoryMiB: opts.MemoryMiB,
		VCPUCount: opts.VCPUCount,
	})
}

// DestroySandbox tears down and forgets a sandbox.
func (f *Facade) DestroySandbox(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return f.registry.Destroy(ctx, id)
}

// ListSandboxes returns every live sandbox id.
func (f *Facade) ListSandboxes() []string {
	return f.registry.List()
}

// RunCommand executes a shell command in the named sandbox.
func (f *Facade) RunCommand(ctx context.Context, id, cmd string) (wire.ExecResult, error) {
	if err := validateID(id); err != nil {
		return wire.ExecResult{}, err
	}
	if len(cmd) > MaxCommandLength {
		return wire.ExecResult{}, sberr.Serialization("command exceeds maximum length")
	}
	return f.registry.Execute(ctx, id, cmd)
}

// ExecuteCode runs a code snippet in the given language in the named sandbox.
func (f *Facade) ExecuteCode(ctx context.Context, id, lang, code string) (wire.ExecResult, error) {
	if err := validateID(id); err != nil {
		return wire.ExecResult{}, err
	}
	if len(code) > MaxInputSize {
		return wire.ExecResult{}, sberr.Serialization("code exceeds maximum input size")
	}
	return f.registry.ExecuteCode(ctx, id, lang, code)
}

// ReadFile reads a file from the named sandbox.
func (f *Facade) ReadFile(ctx context.Context, id, path string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return f.registry.ReadFile(ctx, id, path)
}

// WriteFile writes a file in the named sandbox.
func (f *Facade) WriteFile(ctx context.Context, id, path, content string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if len(content) > MaxInputSize {
		return sberr.Serialization("content exceeds maximum input size")
	}
	return f.registry.WriteFile(ctx, id, path, content)
}

// ListDirectory lists a directory in the named sandbox.
func (f *Facade) ListDirectory(ctx context.Context, id, path string) ([]wire.FileEntry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return f.registry.ListDir(ctx, id, path)
}
