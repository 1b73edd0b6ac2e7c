package vmmclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestServer starts an httptest.Server listening on a UNIX socket at
// path, so Client can be exercised without a real VMM binary.
func newTestServer(t *testing.T, path string, handler http.Handler) *httptest.Server {
	t.Helper()
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = listener
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestSetBootSource(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "vmm.sock")
	var gotPath string
	var gotBody bootSource

	mux := http.NewServeMux()
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	})
	newTestServer(t, sock, mux)

	c := New(sock)
	err := c.SetBootSource(context.Background(), "/vmlinux.bin", "console=ttyS0 reboot=k panic=1 pci=off quiet")
	require.NoError(t, err)
	require.Equal(t, "/boot-source", gotPath)
	require.Equal(t, "/vmlinux.bin", gotBody.KernelImagePath)
}

func TestApiErrorOnStatusGE400(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "vmm.sock")
	mux := http.NewServeMux()
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"fault_message":"bad state"}`))
	})
	newTestServer(t, sock, mux)

	c := New(sock)
	err := c.Start(context.Background())
	require.Error(t, err)

	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestLoadSnapshotUsesFileBackend(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "vmm.sock")
	var gotBody loadSnapshot

	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot/load", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	})
	newTestServer(t, sock, mux)

	c := New(sock)
	err := c.LoadSnapshot(context.Background(), "/tmp/fc-snapshot/vm_state", "/tmp/fc-snapshot/vm_mem")
	require.NoError(t, err)
	require.Equal(t, "File", gotBody.MemBackend.BackendType)
	require.True(t, gotBody.ResumeVm)
	require.False(t, gotBody.EnableDiffSnapshots)
}
