package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/registry"
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

func TestSweepLeavesHealthySandboxes(t *testing.T) {
	launcher := newFakeLauncher()
	r := registry.New(launcher, templateConfig(t), 0, nil)
	id, err := r.CreateDefault(context.Background())
	require.NoError(t, err)

	h := New(r, time.Hour, nil)
	h.Sweep(context.Background())

	assert.True(t, r.Exists(id))
}

func TestSweepDestroysUnhealthySandboxes(t *testing.T) {
	launcher := newFakeLauncher()
	r := registry.New(launcher, templateConfig(t), 0, nil)
	id, err := r.CreateDefault(context.Background())
	require.NoError(t, err)

	launcher.agents[id].SetHealthy(false)

	h := New(r, time.Hour, nil)
	h.Sweep(context.Background())

	assert.False(t, r.Exists(id))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	launcher := newFakeLauncher()
	r := registry.New(launcher, templateConfig(t), 0, nil)
	h := New(r, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunReapsUnhealthySandboxOnTick(t *testing.T) {
	launcher := newFakeLauncher()
	r := registry.New(launcher, templateConfig(t), 0, nil)
	id, err := r.CreateDefault(context.Background())
	require.NoError(t, err)
	launcher.agents[id].SetHealthy(false)

	h := New(r, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.Exists(id) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, r.Exists(id))
}
