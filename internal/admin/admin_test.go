package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmforge/vmforge/internal/facade"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tpl := sandbox.Config{
		KernelPath:       "/kernel",
		RootfsPath:       "/rootfs",
		HypervisorBinary: "/bin/firecracker",
		WorkDirRoot:      t.TempDir(),
	}
	r := registry.New(fakeLauncher{}, tpl, 0, nil)
	f := facade.New(r, nil, nil)
	return NewServer(f, prometheus.NewRegistry(), nil)
}

func TestHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateListAndDestroySandbox(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/sandboxes", nil)
	createRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	listReq := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
	listRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), created.ID)

	destroyReq := httptest.NewRequest(http.MethodDelete, "/sandboxes/"+created.ID, nil)
	destroyRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(destroyRec, destroyReq)
	assert.Equal(t, http.StatusNoContent, destroyRec.Code)
}

func TestDestroyUnknownSandboxReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/sandboxes/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecRunsCommandInSandbox(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/sandboxes", nil)
	createRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	body, _ := json.Marshal(map[string]string{"cmd": "echo hi"})
	execReq := httptest.NewRequest(http.MethodPost, "/sandboxes/"+created.ID+"/exec", bytes.NewReader(body))
	execRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(execRec, execReq)

	require.Equal(t, http.StatusOK, execRec.Code)
	assert.Contains(t, execRec.Body.String(), "hi")
}

func TestExecRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sandboxes/00000000-0000-0000-0000-000000000000/exec", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
