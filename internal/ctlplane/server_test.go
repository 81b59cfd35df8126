package ctlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/state"
)

type stubBackend struct {
	mu       sync.Mutex
	status   Status
	assigned []AssignArgs
	tunnels  []string
}

func (b *stubBackend) Status(ctx context.Context) (Status, error) { return b.status, nil }

func (b *stubBackend) Assign(ctx context.Context, segment, target string) (SegmentStatus, error) {
	if segment != "office" {
		return SegmentStatus{}, fmt.Errorf("assign: %w: %q", state.ErrUnknownSegment, segment)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assigned = append(b.assigned, AssignArgs{Segment: segment, Target: target})
	return SegmentStatus{Name: segment, Target: target, Action: target}, nil
}

func (b *stubBackend) Connect(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tunnels = append(b.tunnels, "+"+name)
	return nil
}

func (b *stubBackend) Disconnect(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tunnels = append(b.tunnels, "-"+name)
	return nil
}

func (b *stubBackend) Ruleset(ctx context.Context) (RulesetReply, error) {
	return RulesetReply{Script: "add table inet enclave\n", Digest: "abc123"}, nil
}

// socketPath keeps the path short enough for sun_path.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "encl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "run", "ctl.sock")
}

func serve(t *testing.T, backend Backend) string {
	t.Helper()
	path := socketPath(t)
	srv, err := NewServer(backend, logging.Discard())
	require.NoError(t, err)

	ln, err := Listen(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return path
}

func TestListen_SocketMode(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SocketMode), info.Mode().Perm())

	_, err = Listen(path)
	assert.Error(t, err, "a live socket is not replaced")
}

func TestClient_RoundTrip(t *testing.T) {
	backend := &stubBackend{status: Status{
		Mode:     "lockdown",
		Uplink:   "eth0",
		Segments: []SegmentStatus{{Name: "dev", Target: "direct", Action: "direct"}},
	}}
	path := serve(t, backend)

	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	st, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "lockdown", st.Mode)
	dev, ok := st.Segment("dev")
	require.True(t, ok)
	assert.Equal(t, "direct", dev.Action)

	seg, err := client.Assign("office", "wg0")
	require.NoError(t, err)
	assert.Equal(t, "wg0", seg.Target)
	backend.mu.Lock()
	assert.Equal(t, []AssignArgs{{Segment: "office", Target: "wg0"}}, backend.assigned)
	backend.mu.Unlock()

	require.NoError(t, client.Connect("wg0"))
	require.NoError(t, client.Disconnect("wg0"))
	backend.mu.Lock()
	assert.Equal(t, []string{"+wg0", "-wg0"}, backend.tunnels)
	backend.mu.Unlock()

	rs, err := client.Ruleset()
	require.NoError(t, err)
	assert.Equal(t, "abc123", rs.Digest)
}

func TestClient_RemoteErrorsKeepSentinels(t *testing.T) {
	path := serve(t, &stubBackend{})
	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Assign("lab", "direct")
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrUnknownSegment)
	assert.Contains(t, err.Error(), `"lab"`)

	var remote *RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestNewClient_NoDaemon(t *testing.T) {
	_, err := NewClient(socketPath(t))
	assert.Error(t, err)
}
