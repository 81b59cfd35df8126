package ctlplane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/enclave/internal/firewall"
	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/metrics"
	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/network"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
	"grimm.is/enclave/internal/vpn"
)

// fakeTunnels is a tunnel registry whose health the test flips.
type fakeTunnels struct {
	mu      sync.Mutex
	tunnels map[string]vpn.Tunnel
}

func newFakeTunnels(names ...string) *fakeTunnels {
	f := &fakeTunnels{tunnels: make(map[string]vpn.Tunnel)}
	for _, n := range names {
		f.tunnels[n] = vpn.Tunnel{Name: n, Interface: n, Kind: vpn.KindWireGuard, Health: vpn.HealthDown, Reason: "interface down"}
	}
	return f
}

func (f *fakeTunnels) setUp(name string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tunnels[name]
	t.Health, t.Reason = vpn.HealthDown, "interface down"
	if up {
		t.Health, t.Reason = vpn.HealthUp, ""
	}
	f.tunnels[name] = t
}

func (f *fakeTunnels) Known(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tunnels[name]
	return ok
}

func (f *fakeTunnels) List(ctx context.Context) ([]vpn.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vpn.Tunnel, 0, len(f.tunnels))
	for _, t := range f.tunnels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeTunnels) Connect(ctx context.Context, name string) error {
	if !f.Known(name) {
		return vpn.ErrUnknownTunnel
	}
	f.setUp(name, true)
	return nil
}

func (f *fakeTunnels) Disconnect(ctx context.Context, name string) error {
	if !f.Known(name) {
		return vpn.ErrUnknownTunnel
	}
	f.setUp(name, false)
	return nil
}

// nftRecorder accepts every check and records installed scripts.
type nftRecorder struct {
	mu      sync.Mutex
	scripts []string
	reject  bool
	hang    bool
}

func (r *nftRecorder) RunInput(ctx context.Context, input, name string, args ...string) error {
	r.mu.Lock()
	reject, hang := r.reject, r.hang
	r.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if reject {
		return errors.New("Error: Could not process rule: No such file or directory")
	}
	if len(args) > 0 && args[0] == "-c" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, input)
	return nil
}

func (r *nftRecorder) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return []byte(firewall.RenderListing(&firewall.Ruleset{Table: firewall.TableName, Family: firewall.TableFamily})), nil
}

func (r *nftRecorder) set(reject, hang bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject, r.hang = reject, hang
}

func (r *nftRecorder) applied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scripts)
}

func (r *nftRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scripts) == 0 {
		return ""
	}
	return r.scripts[len(r.scripts)-1]
}

type fakeRouter struct {
	mu          sync.Mutex
	calls       int
	failures    int // negative fails every call
	assignments map[string]state.Target
	tunnels     map[string]network.TunnelRoute
}

func (f *fakeRouter) Apply(m mode.Mode, p *plan.Plan, assignments map[string]state.Target, tunnels map[string]network.TunnelRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("netlink: operation not permitted")
	}
	f.assignments = assignments
	f.tunnels = tunnels
	return nil
}

func (f *fakeRouter) fail(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

type harness struct {
	ctrl     *Controller
	tunnels  *fakeTunnels
	nft      *nftRecorder
	router   *fakeRouter
	stateDir string
	metrics  *metrics.Registry
}

func newHarness(t *testing.T, m mode.Mode, health time.Duration) *harness {
	t.Helper()
	p, err := plan.Build(m, plan.DefaultSegments(), plan.DefaultBases())
	require.NoError(t, err)

	h := &harness{
		tunnels:  newFakeTunnels("wg0"),
		nft:      &nftRecorder{},
		router:   &fakeRouter{},
		stateDir: t.TempDir(),
		metrics:  metrics.New(),
	}
	store, err := state.Open(h.stateDir, plan.DefaultSegments(), h.tunnels.Known, logging.Discard())
	require.NoError(t, err)

	ctrl, err := New(Options{
		Decision:       mode.Decision{Mode: m, Rule: mode.RuleOverride},
		Plan:           p,
		Store:          store,
		Tunnels:        h.tunnels,
		Connector:      h.tunnels,
		Router:         h.router,
		Applier:        firewall.NewApplier(h.nft, 200*time.Millisecond, logging.Discard()),
		Uplink:         "eth0",
		KillSwitch:     true,
		HealthInterval: health,
		Metrics:        h.metrics,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

// start runs the control and health loops for the duration of the test.
func (h *harness) start(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- h.ctrl.Run(ctx) }()
	go func() { done <- h.ctrl.RunHealth(ctx) }()
	t.Cleanup(cancel)

	select {
	case <-h.ctrl.Started():
	case err := <-done:
		t.Fatalf("control loop exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("control loop did not start")
	}
	return done
}

func assignmentFiles(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, state.AssignmentsDir))
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, state.AssignmentsDir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	p, err := plan.Build(mode.Standard, plan.DefaultSegments(), plan.DefaultBases())
	require.NoError(t, err)
	store, err := state.Open(t.TempDir(), plan.DefaultSegments(), nil, logging.Discard())
	require.NoError(t, err)
	_, err = New(Options{
		Decision: mode.Decision{Mode: mode.Lockdown},
		Plan:     p,
		Store:    store,
		Tunnels:  newFakeTunnels(),
		Applier:  firewall.NewApplier(&nftRecorder{}, 0, logging.Discard()),
	})
	assert.ErrorIs(t, err, firewall.ErrInconsistent)
}

func TestRun_InstallsInitialRuleset(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	h.start(t)

	require.Equal(t, 1, h.nft.applied())
	script := h.nft.last()
	assert.Contains(t, script, `add rule inet enclave forward ip saddr 10.99.2.0/24 drop comment "pentest blocked"`)
	assert.Contains(t, script, `add rule inet enclave forward oifname "eth0" meta mark 0x00000505 accept comment "dev direct"`)
	assert.Equal(t, 1, h.router.calls)

	st, err := h.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lockdown", st.Mode)
	assert.Equal(t, firewall.ScriptDigest(script), st.RulesetDigest)
	assert.NotEmpty(t, st.Generation)
	require.Len(t, st.Segments, 6)
	for _, seg := range st.Segments {
		if seg.Name == "dev" {
			assert.Equal(t, "direct", seg.Action)
			continue
		}
		assert.True(t, seg.Blocked, "%s is blocked by default", seg.Name)
	}
}

func TestScenarioA_AssignDownTunnelThenHealthRecovers(t *testing.T) {
	h := newHarness(t, mode.Lockdown, 20*time.Millisecond)
	h.start(t)
	ctx := context.Background()

	seg, err := h.ctrl.Assign(ctx, "pentest", "wg0")
	require.NoError(t, err)
	assert.Equal(t, "wg0", seg.Target)
	assert.Equal(t, "down", seg.TunnelHealth)
	assert.Equal(t, "blocked", seg.Action)

	st, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	pentest, ok := st.Segment("pentest")
	require.True(t, ok)
	assert.Equal(t, "wg0", pentest.Target)
	assert.Equal(t, "down", pentest.TunnelHealth)
	assert.True(t, pentest.Blocked)
	assert.Equal(t, uint32(0x0502), pentest.Mark)

	before := h.nft.applied()
	h.tunnels.setUp("wg0", true)

	assert.Eventually(t, func() bool {
		return h.nft.applied() > before && strings.Contains(h.nft.last(), `oifname "wg0" accept comment "tunnel wg0"`)
	}, 5*time.Second, 10*time.Millisecond, "health loop recomputes without further calls")
	assert.NotContains(t, h.nft.last(), `ip saddr 10.99.2.0/24 drop comment "pentest blocked"`)

	st, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	pentest, _ = st.Segment("pentest")
	assert.Equal(t, "up", pentest.TunnelHealth)
	assert.Equal(t, "via wg0", pentest.Action)
	assert.False(t, pentest.Blocked)

	h.router.mu.Lock()
	assert.True(t, h.router.tunnels["wg0"].Up)
	assert.Equal(t, state.Target("wg0"), h.router.assignments["pentest"])
	h.router.mu.Unlock()
}

func TestScenarioB_AssignUnknownSegmentChangesNothing(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	h.start(t)
	before := assignmentFiles(t, h.stateDir)
	applies := h.nft.applied()

	_, err := h.ctrl.Assign(context.Background(), "lab", "direct")
	assert.ErrorIs(t, err, state.ErrUnknownSegment)

	assert.Equal(t, before, assignmentFiles(t, h.stateDir))
	assert.NotContains(t, assignmentFiles(t, h.stateDir), "lab")
	assert.Equal(t, applies, h.nft.applied(), "no recompute for a rejected assignment")
}

func TestAssign_Rejections(t *testing.T) {
	h := newHarness(t, mode.Standard, time.Hour)
	h.start(t)
	ctx := context.Background()

	_, err := h.ctrl.Assign(ctx, "office", "wg9")
	assert.ErrorIs(t, err, state.ErrUnknownTunnel)

	_, err = h.ctrl.Assign(ctx, "office", "bad/name")
	assert.ErrorIs(t, err, state.ErrInvalidTarget)

	files := assignmentFiles(t, h.stateDir)
	assert.Equal(t, "blocked", strings.TrimSpace(files["office"]))
}

func TestAssign_RejectedApplyRestoresPreviousTarget(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	h.start(t)
	live := h.nft.last()

	h.nft.set(true, false)
	_, err := h.ctrl.Assign(context.Background(), "office", "direct")
	require.Error(t, err)
	assert.NotErrorIs(t, err, firewall.ErrApplyHung)

	assert.Equal(t, "blocked", strings.TrimSpace(assignmentFiles(t, h.stateDir)["office"]))
	assert.Equal(t, live, h.nft.last(), "live ruleset unchanged")

	h.nft.set(false, false)
	st, err := h.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, st.LastError)
	office, _ := st.Segment("office")
	assert.Equal(t, "blocked", office.Action)
}

func TestAssign_RoutingFailureRestoresPreviousRuleset(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	h.start(t)
	live := h.nft.last()
	require.Contains(t, live, `ip saddr 10.99.2.0/24 drop comment "pentest blocked"`)

	h.router.fail(1)
	_, err := h.ctrl.Assign(context.Background(), "pentest", "direct")
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	assert.Equal(t, live, h.nft.last(), "the rejected assignment must not stay live")
	assert.NotContains(t, h.nft.last(), `"pentest direct"`)
	assert.Equal(t, "blocked", strings.TrimSpace(assignmentFiles(t, h.stateDir)["pentest"]))

	st, err := h.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, firewall.ScriptDigest(live), st.RulesetDigest)
	pentest, _ := st.Segment("pentest")
	assert.True(t, pentest.Blocked)
}

func TestAssign_FailedRollbackStopsLoop(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	done := h.start(t)
	live := h.nft.last()

	h.router.fail(-1)
	_, err := h.ctrl.Assign(context.Background(), "pentest", "direct")
	require.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, live, h.nft.last())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRollbackFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("control loop kept running after a failed rollback")
	}
}

func TestAssign_NotEnforceableInMode(t *testing.T) {
	t.Run("management in lockdown", func(t *testing.T) {
		h := newHarness(t, mode.Lockdown, time.Hour)
		h.start(t)
		applies := h.nft.applied()

		for _, target := range []string{"direct", "wg0"} {
			_, err := h.ctrl.Assign(context.Background(), "mgmt", target)
			assert.ErrorIs(t, err, ErrNotEnforceable, target)
		}
		assert.Equal(t, "blocked", strings.TrimSpace(assignmentFiles(t, h.stateDir)["mgmt"]))
		assert.Equal(t, applies, h.nft.applied())

		seg, err := h.ctrl.Assign(context.Background(), "mgmt", "blocked")
		require.NoError(t, err)
		assert.True(t, seg.Blocked)
	})

	t.Run("tunnel in standard", func(t *testing.T) {
		h := newHarness(t, mode.Standard, time.Hour)
		h.start(t)
		h.tunnels.setUp("wg0", true)

		_, err := h.ctrl.Assign(context.Background(), "pentest", "wg0")
		assert.ErrorIs(t, err, ErrNotEnforceable)
		assert.Equal(t, "blocked", strings.TrimSpace(assignmentFiles(t, h.stateDir)["pentest"]))

		seg, err := h.ctrl.Assign(context.Background(), "mgmt", "direct")
		require.NoError(t, err)
		assert.Equal(t, "direct", seg.Action)
	})
}

func TestStatus_ReportsEnforcedAction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, state.AssignmentsDir), 0o700))
	for name, target := range map[string]string{"mgmt": "direct", "pentest": "wg0"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, state.AssignmentsDir, name), []byte(target+"\n"), 0o600))
	}

	for _, m := range []mode.Mode{mode.Standard, mode.Lockdown} {
		t.Run(string(m), func(t *testing.T) {
			h := newHarness(t, m, time.Hour)
			h.tunnels.setUp("wg0", true)
			store, err := state.Open(dir, plan.DefaultSegments(), h.tunnels.Known, logging.Discard())
			require.NoError(t, err)
			h.ctrl.opts.Store = store
			h.start(t)

			st, err := h.ctrl.Status(context.Background())
			require.NoError(t, err)
			mgmt, _ := st.Segment("mgmt")
			pentest, _ := st.Segment("pentest")
			if m == mode.Lockdown {
				assert.True(t, mgmt.Blocked, "management is isolated")
				assert.Equal(t, "via wg0", pentest.Action)
				assert.Contains(t, h.nft.last(), `ip saddr 10.99.1.0/24 drop comment "mgmt blocked"`)
			} else {
				assert.Equal(t, "direct", mgmt.Action)
				assert.True(t, pentest.Blocked, "no fwmark table reaches the tunnel")
				assert.Contains(t, h.nft.last(), `ip saddr 10.10.2.0/24 drop comment "pentest blocked"`)
			}
		})
	}
}

func TestAssign_HungApplyStopsLoop(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	done := h.start(t)

	h.nft.set(false, true)
	_, err := h.ctrl.Assign(context.Background(), "office", "direct")
	require.ErrorIs(t, err, firewall.ErrApplyHung)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, firewall.ErrApplyHung)
	case <-time.After(5 * time.Second):
		t.Fatal("control loop kept running after a hung apply")
	}

	_, err = h.ctrl.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConnectDisconnect(t *testing.T) {
	h := newHarness(t, mode.Lockdown, time.Hour)
	h.start(t)
	ctx := context.Background()

	_, err := h.ctrl.Assign(ctx, "browse", "wg0")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Connect(ctx, "wg0"))
	assert.Contains(t, h.nft.last(), `oifname "wg0" accept`)

	require.NoError(t, h.ctrl.Disconnect(ctx, "wg0"))
	assert.NotContains(t, h.nft.last(), `oifname "wg0" accept`)
	assert.Contains(t, h.nft.last(), `ip saddr 10.99.4.0/24 drop comment "browse blocked"`)

	assert.ErrorIs(t, h.ctrl.Connect(ctx, "wg7"), vpn.ErrUnknownTunnel)
}

func TestRuleset(t *testing.T) {
	h := newHarness(t, mode.Standard, time.Hour)
	h.start(t)

	rs, err := h.ctrl.Ruleset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.nft.last(), rs.Script)
	assert.Equal(t, firewall.ScriptDigest(rs.Script), rs.Digest)
	assert.True(t, strings.HasPrefix(rs.Listing, "table inet enclave {"))
	assert.Contains(t, rs.Kernel, "table inet enclave")
	assert.Empty(t, rs.KernelError)
}
