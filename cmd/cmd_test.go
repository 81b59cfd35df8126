package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"grimm.is/enclave/internal/ctlplane"
	"grimm.is/enclave/internal/state"
)

func withMockClient(t *testing.T) *ctlplane.MockControlPlaneClient {
	t.Helper()
	m := new(ctlplane.MockControlPlaneClient)
	m.On("Close").Return(nil).Maybe()
	orig := newClient
	newClient = func(string) (ctlplane.ControlPlaneClient, error) { return m, nil }
	t.Cleanup(func() {
		newClient = orig
		m.AssertExpectations(t)
	})
	return m
}

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = Execute(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func sampleStatus() *ctlplane.Status {
	return &ctlplane.Status{
		Mode:          "lockdown",
		ModeRule:      "marker",
		Uplink:        "eth0",
		KillSwitch:    true,
		RulesetDigest: "abc123",
		Segments: []ctlplane.SegmentStatus{
			{Name: "mgmt", Role: "management", Interface: "lan-mgmt", Subnet: "10.99.1.0/24", Target: "blocked", Action: "blocked", Blocked: true},
			{Name: "pentest", Role: "isolated", Interface: "lan-pentest", Subnet: "10.99.2.0/24", Target: "wg0", TunnelHealth: "down", Action: "blocked (tunnel down)", Blocked: true},
		},
		Tunnels: []ctlplane.TunnelStatus{
			{Name: "wg0", Interface: "wg0", Kind: "wireguard", Health: "down", Reason: "no handshake"},
		},
	}
}

func TestStatus_Table(t *testing.T) {
	m := withMockClient(t)
	m.On("Status").Return(sampleStatus(), nil)

	code, out, _ := run(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "lockdown (marker)")
	assert.Contains(t, out, "lan-pentest")
	assert.Contains(t, out, "no handshake")
}

func TestStatus_Structured(t *testing.T) {
	m := withMockClient(t)
	m.On("Status").Return(sampleStatus(), nil)

	code, out, _ := run(t, "status", "-o", "json")
	require.Equal(t, 0, code)
	var st ctlplane.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	seg, ok := st.Segment("pentest")
	require.True(t, ok)
	assert.True(t, seg.Blocked)
	assert.Equal(t, "wg0", seg.Target)

	code, out, _ = run(t, "status", "-o", "yaml")
	require.Equal(t, 0, code)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "lockdown", doc["mode"])
}

func TestStatus_BadFormat(t *testing.T) {
	code, _, errOut := run(t, "status", "-o", "xml")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown output format")
}

func TestAssign(t *testing.T) {
	m := withMockClient(t)
	m.On("Assign", "dev", "wg0").Return(&ctlplane.SegmentStatus{Name: "dev", Target: "wg0", Action: "tunnel wg0"}, nil)

	code, out, _ := run(t, "assign", "dev", "wg0")
	require.Equal(t, 0, code)
	assert.Equal(t, "dev -> wg0 (tunnel wg0)\n", out)
}

func TestAssign_ErrorExitsNonZero(t *testing.T) {
	m := withMockClient(t)
	m.On("Assign", "nope", "direct").Return(nil, &ctlplane.RemoteError{Message: state.ErrUnknownSegment.Error()})

	code, out, errOut := run(t, "assign", "nope", "direct")
	assert.Equal(t, 1, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, state.ErrUnknownSegment.Error())
}

func TestAssign_NeedsTwoArgs(t *testing.T) {
	code, _, _ := run(t, "assign", "dev")
	assert.Equal(t, 1, code)
}

func TestConnectDisconnect(t *testing.T) {
	m := withMockClient(t)
	m.On("Connect", "wg0").Return(nil)
	m.On("Disconnect", "wg0").Return(errors.New("boom"))

	code, out, _ := run(t, "connect", "wg0")
	require.Equal(t, 0, code)
	assert.Equal(t, "wg0 connected\n", out)

	code, _, errOut := run(t, "disconnect", "wg0")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "boom")
}

func TestClient_DaemonNotRunning(t *testing.T) {
	orig := newClient
	newClient = func(string) (ctlplane.ControlPlaneClient, error) { return nil, errors.New("dial unix: no such file") }
	t.Cleanup(func() { newClient = orig })

	code, _, errOut := run(t, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "daemon` running?")
}

func TestDiff(t *testing.T) {
	live := "table inet enclave {\n\tchain input {\n\t\tct state established,related accept\n\t}\n}\n"

	t.Run("identical modulo handles", func(t *testing.T) {
		m := withMockClient(t)
		kernel := "table inet enclave { # handle 7\n\tchain input { # handle 1\n\t\tct state established,related accept # handle 3\n\t}\n}\n"
		m.On("Ruleset").Return(&ctlplane.RulesetReply{Listing: live, Kernel: kernel}, nil)

		code, out, _ := run(t, "diff")
		assert.Equal(t, 0, code)
		assert.Equal(t, "No changes detected.\n", out)
	})

	t.Run("drift", func(t *testing.T) {
		m := withMockClient(t)
		kernel := strings.Replace(live, "accept", "drop", 1)
		m.On("Ruleset").Return(&ctlplane.RulesetReply{Listing: live, Kernel: kernel}, nil)

		code, out, errOut := run(t, "diff")
		assert.Equal(t, 1, code)
		assert.Empty(t, errOut)
		assert.Contains(t, out, "--- live")
		assert.Contains(t, out, "+++ kernel")
		assert.Contains(t, out, "-\t\tct state established,related accept")
		assert.Contains(t, out, "+\t\tct state established,related drop")
	})

	t.Run("kernel unreadable", func(t *testing.T) {
		m := withMockClient(t)
		m.On("Ruleset").Return(&ctlplane.RulesetReply{Listing: live, KernelError: "nft: permission denied"}, nil)

		code, _, errOut := run(t, "diff")
		assert.Equal(t, 1, code)
		assert.Contains(t, errOut, "permission denied")
	})
}

func TestNormalizeListing(t *testing.T) {
	in := "table inet enclave { # handle 2\n\n\tchain x {   \n\t}\n}"
	assert.Equal(t, "table inet enclave {\n\tchain x {\n\t}\n}\n", normalizeListing(in))
}

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclave.hcl")

	code, out, errOut := run(t, "-c", path, "config", "init")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, path)

	code, _, errOut = run(t, "-c", path, "config", "init")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)

	code, _, _ = run(t, "-c", path, "config", "init", "--force")
	assert.Equal(t, 0, code)

	code, out, errOut = run(t, "config", "check", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "OK (6 segments)")
}

func TestConfigCheck_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"sideways\"\n"), 0o644))

	code, _, errOut := run(t, "config", "check", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "mode")
}

func writeDescriptor(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "state_dir  = \"" + filepath.Join(dir, "state") + "\"\n" +
		"tunnel_dir = \"" + filepath.Join(dir, "tunnels") + "\"\n" +
		"uplink     = \"eth0\"\n" + extra
	path := filepath.Join(dir, "enclave.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPlan_Listing(t *testing.T) {
	path := writeDescriptor(t, "")

	code, out, errOut := run(t, "-c", path, "plan", "--mode", "standard", "-o", "listing")
	require.Equal(t, 0, code, errOut)
	assert.True(t, strings.HasPrefix(out, "table inet enclave {"), out)
	assert.Contains(t, out, "standard mode")
	assert.Contains(t, out, `oifname "eth0"`)
}

func TestPlan_ScriptAndStructured(t *testing.T) {
	path := writeDescriptor(t, "")

	code, out, errOut := run(t, "-c", path, "plan", "--mode", "lockdown")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "add table inet enclave")
	assert.Contains(t, errOut, "lockdown (override: --mode)")

	code, out, errOut = run(t, "-c", path, "plan", "--mode", "lockdown", "-o", "json")
	require.Equal(t, 0, code, errOut)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
}

func TestPlan_DoesNotWriteState(t *testing.T) {
	path := writeDescriptor(t, "")

	code, _, errOut := run(t, "-c", path, "plan", "--mode", "standard")
	require.Equal(t, 0, code, errOut)
	_, err := os.Stat(filepath.Join(filepath.Dir(path), "state"))
	assert.True(t, os.IsNotExist(err), "plan must not create the state directory")
}

func TestDHCPRender(t *testing.T) {
	path := writeDescriptor(t, "")

	code, out, errOut := run(t, "-c", path, "dhcp", "render", "--mode", "standard")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "interface=lan-mgmt\n")
	assert.Contains(t, out, "dhcp-range=set:dev,")
}

func TestDHCPRender_Write(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "enclave-dnsmasq.conf")
	path := writeDescriptor(t, "dhcp {\n  output = \""+output+"\"\n}\n")

	code, out, errOut := run(t, "-c", path, "dhcp", "render", "--mode", "standard", "--write")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "wrote")

	code, out, _ = run(t, "-c", path, "dhcp", "render", "--mode", "standard", "--write")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "up to date")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(data), "interface=lan-office\n")
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version", "-o", "json")
	require.Equal(t, 0, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "enclave", info.Name)
	assert.NotEmpty(t, info.GoVersion)
}
