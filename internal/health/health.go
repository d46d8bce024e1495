// Package health implements the Health Reconciler (spec.md §9, component
// A4): a periodic sweep over every live sandbox that destroys and forgets
// any sandbox whose agent stops responding between the pull-based
// IsHealthy checks callers make on their own. Grounded on the teacher's
// internal/reaper/reaper.go ticker-driven reconciliation loop.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/vmforge/vmforge/internal/registry"
)

// Reconciler periodically sweeps a Registry for unhealthy sandboxes.
type Reconciler struct {
	registry *registry.Registry
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a Reconciler. interval <= 0 defaults to 5s.
func New(r *registry.Registry, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{registry: r, interval: interval, logger: logger}
}

// Run blocks, sweeping at each tick until ctx is cancelled.
func (h *Reconciler) Run(ctx context.Context) {
	if h.logger != nil {
		h.logger.Info("health reconciler started", "interval", h.interval)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if h.logger != nil {
				h.logger.Info("health reconciler stopped")
			}
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Exported so callers can trigger an
// out-of-band check (e.g. from an admin endpoint) without waiting for a tick.
func (h *Reconciler) Sweep(ctx context.Context) {
	ids := h.registry.List()
	reaped := 0

	for _, id := range ids {
		sb, ok := h.registry.Get(id)
		if !ok {
			continue // destroyed by someone else between List and Get
		}
		if sb.IsHealthy(ctx) {
			continue
		}

		if h.logger != nil {
			h.logger.Warn("health reconciler: sandbox unhealthy, destroying", "sandbox_id", id)
		}
		if err := h.registry.Destroy(ctx, id); err != nil {
			if h.logger != nil {
				h.logger.Error("health reconciler: destroy failed", "sandbox_id", id, "error", err)
			}
			continue
		}
		reaped++
	}

	if reaped > 0 && h.logger != nil {
		h.logger.Info("health reconciler: reaped unhealthy sandboxes", "count", reaped)
	}
}
