package rpcserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-supervice/supervice/internal/process"
	"github.com/go-supervice/supervice/internal/supervisor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	status       []process.StatusEntry
	startErr     error
	stopErr      error
	restartErr   error
	startGroup   error
	stopGroup    error
	reloadResult supervisor.ReloadResult
	reloadErr    error
	tailLines    []string
	tailErr      error

	lastStarted    string
	lastStopped    string
	lastRestarted  string
	lastForce      bool
	lastStartGroup string
	lastStopGroup  string
}

func (f *fakeBackend) Status() []process.StatusEntry { return f.status }

func (f *fakeBackend) StartProcess(ctx context.Context, name string) error {
	f.lastStarted = name
	return f.startErr
}

func (f *fakeBackend) StopProcess(ctx context.Context, name string) error {
	f.lastStopped = name
	return f.stopErr
}

func (f *fakeBackend) RestartProcess(ctx context.Context, name string, force bool) error {
	f.lastRestarted = name
	f.lastForce = force
	return f.restartErr
}

func (f *fakeBackend) StartGroup(ctx context.Context, name string) error {
	f.lastStartGroup = name
	return f.startGroup
}

func (f *fakeBackend) StopGroup(ctx context.Context, name string) error {
	f.lastStopGroup = name
	return f.stopGroup
}

func (f *fakeBackend) Reload(ctx context.Context) (supervisor.ReloadResult, error) {
	return f.reloadResult, f.reloadErr
}

func (f *fakeBackend) TailLog(name, stream string, n int) ([]string, error) {
	return f.tailLines, f.tailErr
}

func dialAndRoundTrip(t *testing.T, socketPath string, req map[string]interface{}) response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBytes, err := readFrame(conn)
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	return resp
}

func startTestServer(t *testing.T, backend Backend) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "rpc.sock")
	srv := New(zap.NewNop(), backend, socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return socketPath
}

func TestServer_StatusCommand(t *testing.T) {
	backend := &fakeBackend{status: []process.StatusEntry{{Name: "web", State: "RUNNING", PID: 123}}}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "status"})
	require.Equal(t, "ok", resp.Status)
}

func TestServer_StartStopRestart(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "start", "name": "web"})
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "web", backend.lastStarted)

	resp = dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "stop", "name": "web"})
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "web", backend.lastStopped)

	resp = dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "restart", "name": "web", "force": true})
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "web", backend.lastRestarted)
	require.True(t, backend.lastForce)
}

func TestServer_UnknownCommand(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "frobnicate"})
	require.Equal(t, "error", resp.Status)
	require.Equal(t, CodeUnknownCommand, resp.Code)
}

func TestServer_MissingNameIsInvalidRequest(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "start"})
	require.Equal(t, "error", resp.Status)
	require.Equal(t, CodeInvalidRequest, resp.Code)
}

func TestServer_InvalidJSONRejected(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startTestServer(t, backend)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, []byte(`{"command": "status", "unknown_field": true}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBytes, err := readFrame(conn)
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	require.Equal(t, "error", resp.Status)
	require.Equal(t, CodeInvalidJSON, resp.Code)
}

func TestServer_OversizedFrameRejected(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startTestServer(t, backend)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], maxMessageSize+1)
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.Error(t, err) // server closes the connection without a response
}

func TestServer_TailCommand(t *testing.T) {
	backend := &fakeBackend{tailLines: []string{"line1", "line2"}}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "tail", "name": "web", "lines": 50})
	require.Equal(t, "ok", resp.Status)
}

func TestServer_ReloadReturnsDiff(t *testing.T) {
	backend := &fakeBackend{reloadResult: supervisor.ReloadResult{Added: []string{"c"}, Removed: []string{"b"}}}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "reload"})
	require.Equal(t, "ok", resp.Status)
}

func TestServer_BackendErrorBecomesInternalError(t *testing.T) {
	backend := &fakeBackend{startErr: context.DeadlineExceeded}
	socketPath := startTestServer(t, backend)

	resp := dialAndRoundTrip(t, socketPath, map[string]interface{}{"command": "start", "name": "web"})
	require.Equal(t, "error", resp.Status)
	require.Equal(t, CodeInternalError, resp.Code)
}

func TestServer_SocketModeIsOwnerOnly(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startTestServer(t, backend)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("not a socket"), 0o644))

	backend := &fakeBackend{}
	srv := New(zap.NewNop(), backend, socketPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
