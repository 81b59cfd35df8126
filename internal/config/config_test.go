package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/enclave/internal/plan"
)

func TestLoadHCL(t *testing.T) {
	hclContent := `
mode                = "lockdown"
kill_switch         = false
allow_inter_segment = true
uplink              = "eth0"
health_interval     = "5s"

tunnels {
  wireguard_prefixes = ["wg"]
}

segment "mgmt" {
  index = 1
}

segment "pentest" {
  index   = 2
  default = "wg0"
}

segment "shared" {
  index     = 6
  interface = "br-shared"
}

dhcp {
  mode = "builtin"
  dns  = ["9.9.9.9"]
}

log {
  level = "debug"
}
`
	path := filepath.Join(t.TempDir(), "enclave.hcl")
	require.NoError(t, os.WriteFile(path, []byte(hclContent), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "lockdown", cfg.Mode)
	assert.False(t, cfg.KillSwitchEnabled())
	assert.True(t, cfg.AllowInterSegment)
	assert.Equal(t, "eth0", cfg.Uplink)
	assert.Equal(t, []string{"wg"}, cfg.Tunnels.WireGuardPrefixes)
	assert.Equal(t, DefaultOpenVPNPrefixes, cfg.Tunnels.OpenVPNPrefixes)

	require.Len(t, cfg.Segments, 3)
	assert.Equal(t, "management", cfg.Segments[0].Role)
	assert.Equal(t, "blocked", cfg.Segments[0].Default)
	assert.Equal(t, "wg0", cfg.Segments[1].Default)
	assert.Equal(t, "lan-pentest", cfg.Segments[1].Interface)
	assert.Equal(t, "shared", cfg.Segments[2].Role)
	assert.Equal(t, "br-shared", cfg.Segments[2].Interface)
	assert.Equal(t, "lan-mgmt", cfg.ProbeInterface())

	d, err := cfg.ParseDurations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d.HealthInterval)
	assert.Equal(t, DefaultApplyTimeout, d.ApplyTimeout)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclave.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "mode": "standard",
  "segments": [
    {"name": "dev", "index": 5},
    {"name": "lab", "index": 7, "default": "direct"}
  ]
}`), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.KillSwitchEnabled(), "kill switch defaults to on")
	require.Len(t, cfg.Segments, 2)
	assert.Equal(t, "direct", cfg.Segments[0].Default, "dev defaults to direct")
	assert.Equal(t, "isolated", cfg.Segments[1].Role)
	assert.Empty(t, cfg.ProbeInterface(), "no management segment declared")
}

func TestLoadOrDefault_Missing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	assert.Len(t, cfg.Segments, len(plan.DefaultSegments()))
	assert.Equal(t, "auto", cfg.Mode)
	assert.Equal(t, DHCPModeDnsmasq, cfg.DHCP.Mode)
}

func TestLoadHCL_ParseError(t *testing.T) {
	_, err := LoadHCL([]byte(`segment "x" {`), "bad.hcl")
	assert.Error(t, err)

	_, err = LoadHCL([]byte(`unknown_attr = 1`), "bad.hcl")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad mode", func(c *Config) { c.Mode = "paranoid" }, "mode"},
		{"bad duration", func(c *Config) { c.HealthInterval = "soon" }, "health_interval"},
		{"negative duration", func(c *Config) { c.ApplyTimeout = "-1s" }, "apply_timeout"},
		{"bad base", func(c *Config) { c.Addressing.StandardBase = "10.10.0.0/24" }, "addressing.standard_base"},
		{"overlapping bases", func(c *Config) { c.Addressing.LockdownBase = "10.10.0.0/16" }, "addressing"},
		{"bad role", func(c *Config) { c.Segments[1].Role = "vip" }, "segment[pentest].role"},
		{"duplicate index", func(c *Config) { c.Segments[1].Index = 1 }, "segment"},
		{"index out of range", func(c *Config) { c.Segments[1].Index = 300 }, "segment"},
		{"duplicate interface", func(c *Config) { c.Segments[1].Interface = "lan-mgmt" }, "segment[pentest].interface"},
		{"two management", func(c *Config) { c.Segments[1].Role = "management" }, "segment"},
		{"bad dhcp mode", func(c *Config) { c.DHCP.Mode = "kea" }, "dhcp.mode"},
		{"bad dns", func(c *Config) { c.DHCP.DNS = []string{"resolver"} }, "dhcp.dns"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"duplicate prefix", func(c *Config) { c.Tunnels.OpenVPNPrefixes = []string{"wg"} }, "tunnels"},
		{"name escapes state dir", func(c *Config) { c.Segments[1].Name = "../x" }, "segment[../x]"},
		{"hidden name", func(c *Config) { c.Segments[1].Name = ".hidden" }, "segment[.hidden]"},
		{"name with space", func(c *Config) { c.Segments[1].Name = "lab two" }, "segment[lab two]"},
		{"name too long", func(c *Config) { c.Segments[1].Name = "pentest-segment-x" }, "segment[pentest-segment-x]"},
		{"upper case name", func(c *Config) { c.Segments[1].Name = "Pentest" }, "segment[Pentest]"},
	}

	assert.Empty(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.True(t, errs.HasErrors())
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestBasesAndPlanSegments(t *testing.T) {
	cfg := Default()
	cfg.Addressing.StandardBase = "172.16.0.0/16"
	bases, err := cfg.Bases()
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.0/16", bases.Standard.String())
	assert.Equal(t, plan.DefaultLockdownBase, bases.Lockdown)

	segs := cfg.PlanSegments()
	assert.Equal(t, plan.DefaultSegments(), segs)
}
