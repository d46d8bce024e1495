package hypervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutJSONSendsExpectedBody(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	var gotPath string
	var gotBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/vsock", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})
	server := &http.Server{Handler: mux}
	go server.Serve(ln)
	defer server.Close()

	client := unixHTTPClient(sock)
	err = putJSON(context.Background(), client, "/vsock", map[string]any{
		"guest_cid": uint32(7),
		"uds_path":  "/tmp/x/v.sock",
	})
	require.NoError(t, err)
	assert.Equal(t, "/vsock", gotPath)
	assert.EqualValues(t, 7, gotBody["guest_cid"])
	assert.Equal(t, "/tmp/x/v.sock", gotBody["uds_path"])
}

func TestPutJSONPropagatesErrorStatus(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	server := &http.Server{Handler: mux}
	go server.Serve(ln)
	defer server.Close()

	client := unixHTTPClient(sock)
	err = putJSON(context.Background(), client, "/boot-source", map[string]any{})
	assert.Error(t, err)
}

func TestProcessHandleDestroyTerminatesProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	h := &processHandle{cmd: cmd}
	running, err := h.IsRunning(context.Background())
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, h.Destroy(context.Background()))

	running, err = h.IsRunning(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
}

func TestWaitForPathTimesOut(t *testing.T) {
	err := waitForPath(context.Background(), filepath.Join(t.TempDir(), "never.sock"), 50*time.Millisecond)
	assert.Error(t, err)
}
