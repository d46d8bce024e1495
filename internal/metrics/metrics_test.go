package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/registry"
	"github.com/vmforge/vmforge/internal/sandbox"
	"github.com/vmforge/vmforge/internal/testsupport"
)

type fakeLauncher struct{}

func (fakeLauncher) CreateWithID(ctx context.Context, sandboxID string, cfg hypervisor.LaunchConfig) (hypervisor.VMHandle, error) {
	agent, err := testsupport.StartFakeAgent(cfg.GuestSocketPath())
	if err != nil {
		return nil, err
	}
	return fakeHandle{agent: agent}, nil
}

type fakeHandle struct{ agent *testsupport.FakeAgent }

func (h fakeHandle) Destroy(ctx context.Context) error { return h.agent.Close() }

func gaugeValue(t *testing.T, g prometheus.GaugeFunc) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestNewReturnsNilWithoutRegistry(t *testing.T) {
	assert.Nil(t, New(nil, nil, nil))
}

func TestRegistrySizeReflectsLiveCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	tpl := sandbox.Config{
		KernelPath:       "/kernel",
		RootfsPath:       "/rootfs",
		HypervisorBinary: "/bin/firecracker",
		WorkDirRoot:      t.TempDir(),
	}
	r := registry.New(fakeLauncher{}, tpl, 0, nil)

	m := New(reg, r, nil)
	require.NotNil(t, m)
	assert.Equal(t, 0.0, gaugeValue(t, m.RegistrySize))

	_, err := r.CreateDefault(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, gaugeValue(t, m.RegistrySize))
}

func TestPoolGaugesAreZeroWithoutAPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	tpl := sandbox.Config{
		KernelPath:       "/kernel",
		RootfsPath:       "/rootfs",
		HypervisorBinary: "/bin/firecracker",
		WorkDirRoot:      t.TempDir(),
	}
	r := registry.New(fakeLauncher{}, tpl, 0, nil)

	m := New(reg, r, nil)
	require.NotNil(t, m)
	assert.Equal(t, 0.0, gaugeValue(t, m.PoolSize))
	assert.Equal(t, 0.0, gaugeValue(t, m.PoolHitRate))
}
