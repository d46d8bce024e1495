package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/sandbox"
	"github.com/vmforge/vmforge/internal/testsupport"
)

type fakeLauncher struct {
	agents map[string]*testsupport.FakeAgent
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{agents: map[string]*testsupport.FakeAgent{}}
}

func (f *fakeLauncher) CreateWithID(ctx context.Context, sandboxID string, cfg hypervisor.LaunchConfig) (hypervisor.VMHandle, error) {
	agent, err := testsupport.StartFakeAgent(cfg.GuestSocketPath())
	if err != nil {
		return nil, err
	}
	f.agents[sandboxID] = agent
	return &fakeHandle{agent: agent}, nil
}

type fakeHandle struct{ agent *testsupport.FakeAgent }

func (h *fakeHandle) Destroy(ctx context.Context) error { return h.agent.Close() }

func templateConfig(t *testing.T) sandbox.Config {
	t.Helper()
	return sandbox.Config{
		KernelPath:       "/kernel",
		RootfsPath:       "/rootfs",
		HypervisorBinary: "/bin/firecracker",
		WorkDirRoot:      t.TempDir(),
	}
}

func waitForSize(t *testing.T, p *Pool, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Size() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool did not reach size %d within %s (got %d)", n, timeout, p.Size())
}

func TestFillerReachesMinSize(t *testing.T) {
	cfg := Config{MinSize: 3, MaxConcurrentBoots: 2, FillInterval: 20 * time.Millisecond, Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	waitForSize(t, p, 3, 2*time.Second)
	assert.LessOrEqual(t, p.Size(), cfg.MinSize+cfg.MaxConcurrentBoots)
}

func TestAcquireWarmIsHit(t *testing.T) {
	cfg := Config{MinSize: 2, MaxConcurrentBoots: 2, FillInterval: 20 * time.Millisecond, Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	waitForSize(t, p, 2, 2*time.Second)

	sb, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sb)
	defer sb.Destroy(context.Background())

	assert.Equal(t, uint64(1), p.Stats().WarmHits())
	assert.Equal(t, uint64(0), p.Stats().ColdMisses())
}

func TestAcquireOnEmptyPoolColdCreates(t *testing.T) {
	cfg := Config{MinSize: 0, MaxConcurrentBoots: 1, FillInterval: time.Hour, Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)

	sb, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sb)
	defer sb.Destroy(context.Background())

	assert.Equal(t, uint64(0), p.Stats().WarmHits())
	assert.Equal(t, uint64(1), p.Stats().ColdMisses())
}

func TestAcquireSkipsUnhealthyAndFallsBackToCold(t *testing.T) {
	launcher := newFakeLauncher()
	cfg := Config{MinSize: 1, MaxConcurrentBoots: 1, FillInterval: 20 * time.Millisecond, Template: templateConfig(t)}
	p := New(launcher, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	waitForSize(t, p, 1, 2*time.Second)

	p.mu.Lock()
	queued := p.queue[0]
	p.mu.Unlock()
	launcher.agents[queued.ID()].SetHealthy(false)

	sb, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sb)
	defer sb.Destroy(context.Background())

	assert.Equal(t, uint64(0), p.Stats().WarmHits())
	assert.Equal(t, uint64(1), p.Stats().ColdMisses())
	assert.Equal(t, uint64(1), p.Stats().Destroyed())
}

func TestShutdownDrainsAndTalliesDestroyed(t *testing.T) {
	cfg := Config{MinSize: 3, MaxConcurrentBoots: 2, FillInterval: 20 * time.Millisecond, Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	waitForSize(t, p, 3, 2*time.Second)
	created := p.Stats().Created()

	p.Shutdown(context.Background())

	assert.Equal(t, 0, p.Size())
	assert.Equal(t, created, p.Stats().Destroyed())
	assert.False(t, p.IsRunning())
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := Config{MinSize: 1, MaxConcurrentBoots: 1, FillInterval: 20 * time.Millisecond, Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	waitForSize(t, p, 1, 2*time.Second)

	p.Shutdown(context.Background())
	assert.NotPanics(t, func() { p.Shutdown(context.Background()) })
}

func TestStartIsIdempotent(t *testing.T) {
	cfg := Config{MinSize: 1, MaxConcurrentBoots: 1, FillInterval: 20 * time.Millisecond, Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx) // second call must not spawn a second filler
	defer p.Shutdown(context.Background())

	waitForSize(t, p, 1, 2*time.Second)
	assert.True(t, p.IsRunning())
}

func TestHitRateComputation(t *testing.T) {
	var s Stats
	assert.Equal(t, 0.0, s.HitRate())

	s.warmHits.Add(3)
	s.coldMisses.Add(1)
	assert.InDelta(t, 75.0, s.HitRate(), 0.001)
}

func TestChannelIDsFromPoolBase(t *testing.T) {
	cfg := Config{Template: templateConfig(t)}
	p := New(newFakeLauncher(), cfg, nil)
	first := p.allocator.Next()
	second := p.allocator.Next()
	assert.GreaterOrEqual(t, first, uint32(10000))
	assert.Greater(t, second, first)
}
