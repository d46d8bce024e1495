// Package pool implements the Warm Pool (spec.md §4.5): a background
// pre-warmer maintaining a target count of ready sandboxes in a FIFO
// queue, serving acquire in O(1) when warm and cold-creating when empty.
// Grounded on original_source/crates/bouvet-core/src/pool.rs, translated
// from Rust's tokio::select!/Semaphore/Notify into Go's select-over-
// channels plus a buffered-channel semaphore, in the style of the
// teacher's internal/pool/pool.go (channel-backed queue, background
// refill worker, graceful Stop via a close-once shutdown channel).
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmforge/vmforge/internal/channelid"
	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/sandbox"
)

// Config is the PoolConfig of spec.md §3.
type Config struct {
	MinSize            int
	MaxConcurrentBoots int
	FillInterval       time.Duration
	Template           sandbox.Config
}

// DefaultConfig mirrors the defaults spec.md §3/§4.5 name.
func DefaultConfig(template sandbox.Config) Config {
	return Config{
		MinSize:            3,
		MaxConcurrentBoots: 2,
		FillInterval:       time.Second,
		Template:           template,
	}
}

// Stats holds the four monotone counters of spec.md §3, each independently
// atomic so no lock is needed to update or read them.
type Stats struct {
	warmHits   atomic.Uint64
	coldMisses atomic.Uint64
	created    atomic.Uint64
	destroyed  atomic.Uint64
}

func (s *Stats) WarmHits() uint64   { return s.warmHits.Load() }
func (s *Stats) ColdMisses() uint64 { return s.coldMisses.Load() }
func (s *Stats) Created() uint64    { return s.created.Load() }
func (s *Stats) Destroyed() uint64  { return s.destroyed.Load() }

// HitRate is hits / (hits+misses) as a percentage; 0 when both are zero.
func (s *Stats) HitRate() float64 {
	hits := s.WarmHits()
	misses := s.ColdMisses()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100.0
}

// Pool is the FIFO queue of warm sandboxes plus the background filler that
// keeps it topped up.
type Pool struct {
	launcher  hypervisor.VmLauncher
	cfg       Config
	logger    *slog.Logger
	allocator *channelid.Allocator

	mu    sync.Mutex
	queue []*sandbox.Sandbox

	stats    Stats
	shutdown atomic.Bool

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	bootSem      chan struct{}
	fillerWG     sync.WaitGroup
	started      atomic.Bool
}

// New constructs a Pool. The filler is not started until Start is called.
func New(launcher hypervisor.VmLauncher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxConcurrentBoots <= 0 {
		cfg.MaxConcurrentBoots = 1
	}
	return &Pool{
		launcher:   launcher,
		cfg:        cfg,
		logger:     logger,
		allocator:  channelid.New(channelid.PoolBase),
		shutdownCh: make(chan struct{}),
		bootSem:    make(chan struct{}, cfg.MaxConcurrentBoots),
	}
}

// Start spawns the background filler. Idempotent: a second call is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.started.Store(true)
		p.fillerWG.Add(1)
		go p.fillerLoop(ctx)
	})
}

// IsRunning reflects whether the filler is live.
func (p *Pool) IsRunning() bool {
	return p.started.Load() && !p.shutdown.Load()
}

// Stats returns the live, atomically-updated counters.
func (p *Pool) Stats() *Stats { return &p.stats }

// Size returns the current queue length under lock.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// fillerLoop is the single long-lived task with one cooperative select
// over {timer tick, shutdown signal}, shutdown-biased by checking the
// shutdown channel non-blockingly before waiting on the ticker.
func (p *Pool) fillerLoop(ctx context.Context) {
	defer p.fillerWG.Done()

	if p.cfg.FillInterval <= 0 {
		p.cfg.FillInterval = time.Second
	}
	ticker := time.NewTicker(p.cfg.FillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownCh:
			return
		default:
		}

		select {
		case <-p.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.shutdown.Load() {
				return
			}
			p.fillTick(ctx)
		}
	}
}

// fillTick computes the deficit and spawns up to that many boot children,
// each gated by a non-blocking try-acquire of a boot permit.
func (p *Pool) fillTick(ctx context.Context) {
	p.mu.Lock()
	n := len(p.queue)
	p.mu.Unlock()

	deficit := p.cfg.MinSize - n
	for i := 0; i < deficit; i++ {
		select {
		case p.bootSem <- struct{}{}:
			go p.bootOne(ctx)
		default:
			return // no permit available; resume next tick
		}
	}
}

func (p *Pool) bootOne(ctx context.Context) {
	defer func() { <-p.bootSem }()

	select {
	case <-p.shutdownCh:
		return
	default:
	}

	cfg := p.cfg.Template
	cfg.ChannelID = p.allocator.Next()

	sb, err := sandbox.Create(ctx, p.launcher, cfg, p.logger)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("pool: boot failed", "error", err)
		}
		return
	}

	if p.shutdown.Load() {
		_ = sb.Destroy(ctx)
		return
	}

	p.mu.Lock()
	if len(p.queue) >= p.cfg.MinSize {
		p.mu.Unlock()
		_ = sb.Destroy(ctx) // overfill prevention
		return
	}
	p.queue = append(p.queue, sb)
	p.mu.Unlock()

	p.stats.created.Add(1)
}

// Acquire pops the longest-waiting warm sandbox, health-checking it before
// handing it off. Unhealthy sandboxes are discarded and the next candidate
// is tried. An empty queue degrades to a cold create (spec.md §4.5).
func (p *Pool) Acquire(ctx context.Context) (*sandbox.Sandbox, error) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			break
		}
		sb := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if sb.IsHealthy(ctx) {
			p.stats.warmHits.Add(1)
			return sb, nil
		}
		if p.logger != nil {
			p.logger.Warn("pool: discarding unhealthy warm sandbox", "sandbox_id", sb.ID())
		}
		_ = sb.Destroy(ctx)
		p.stats.destroyed.Add(1)
	}

	p.stats.coldMisses.Add(1)
	cfg := p.cfg.Template
	cfg.ChannelID = p.allocator.Next()
	return sandbox.Create(ctx, p.launcher, cfg, p.logger)
}

// Shutdown stops the filler, drains the queue, and destroys every
// remaining warm sandbox, tallying Destroyed and logging final stats.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdown.Store(true)
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
	p.fillerWG.Wait()

	p.mu.Lock()
	drained := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, sb := range drained {
		if err := sb.Destroy(ctx); err != nil && p.logger != nil {
			p.logger.Error("pool shutdown: sandbox teardown failed", "sandbox_id", sb.ID(), "error", err)
		}
		p.stats.destroyed.Add(1)
	}

	if p.logger != nil {
		p.logger.Info("pool shutdown complete",
			"created", p.stats.Created(), "destroyed", p.stats.Destroyed(),
			"warm_hits", p.stats.WarmHits(), "cold_misses", p.stats.ColdMisses(),
			"hit_rate", p.stats.HitRate())
	}
}
