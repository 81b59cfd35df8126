package config

import (
	"time"

	"grimm.is/enclave/internal/brand"
)

// CurrentSchemaVersion is written by `config init`.
const CurrentSchemaVersion = "1.0"

// Config is the boot-time descriptor.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Mode is "auto", "standard" or "lockdown".
	Mode string `hcl:"mode,optional" json:"mode,omitempty"`

	// KillSwitch blocks a segment whose tunnel is down. Defaults to true.
	KillSwitch *bool `hcl:"kill_switch,optional" json:"kill_switch,omitempty"`

	AllowInterSegment bool `hcl:"allow_inter_segment,optional" json:"allow_inter_segment,omitempty"`

	// Uplink overrides uplink detection.
	Uplink string `hcl:"uplink,optional" json:"uplink,omitempty"`

	StateDir       string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	TunnelDir      string `hcl:"tunnel_dir,optional" json:"tunnel_dir,omitempty"`
	HealthInterval string `hcl:"health_interval,optional" json:"health_interval,omitempty"`
	ApplyTimeout   string `hcl:"apply_timeout,optional" json:"apply_timeout,omitempty"`

	Addressing *AddressingConfig `hcl:"addressing,block" json:"addressing,omitempty"`
	Detection  *DetectionConfig  `hcl:"detection,block" json:"detection,omitempty"`
	Tunnels    *TunnelsConfig    `hcl:"tunnels,block" json:"tunnels,omitempty"`
	Segments   []SegmentConfig   `hcl:"segment,block" json:"segments,omitempty"`
	DHCP       *DHCPConfig       `hcl:"dhcp,block" json:"dhcp,omitempty"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics,omitempty"`
	Log        *LogConfig        `hcl:"log,block" json:"log,omitempty"`
}

// AddressingConfig sets the /16 base for each mode.
type AddressingConfig struct {
	StandardBase string `hcl:"standard_base,optional" json:"standard_base,omitempty"`
	LockdownBase string `hcl:"lockdown_base,optional" json:"lockdown_base,omitempty"`
}

// DetectionConfig tunes mode detection.
type DetectionConfig struct {
	IdentityFile string `hcl:"identity_file,optional" json:"identity_file,omitempty"`
	ProbeAddress string `hcl:"probe_address,optional" json:"probe_address,omitempty"`
	// ProbeInterface defaults to the management segment's interface.
	ProbeInterface string `hcl:"probe_interface,optional" json:"probe_interface,omitempty"`
	ProbeTimeout   string `hcl:"probe_timeout,optional" json:"probe_timeout,omitempty"`
	// ProbePrivileged uses raw ICMP sockets instead of unprivileged datagram pings.
	ProbePrivileged bool `hcl:"probe_privileged,optional" json:"probe_privileged,omitempty"`
}

// TunnelsConfig controls tunnel discovery and lifecycle.
type TunnelsConfig struct {
	WireGuardPrefixes []string `hcl:"wireguard_prefixes,optional" json:"wireguard_prefixes,omitempty"`
	OpenVPNPrefixes   []string `hcl:"openvpn_prefixes,optional" json:"openvpn_prefixes,omitempty"`
	HealthTimeout     string   `hcl:"health_timeout,optional" json:"health_timeout,omitempty"`
	ConnectTimeout    string   `hcl:"connect_timeout,optional" json:"connect_timeout,omitempty"`
}

// SegmentConfig declares one segment.
type SegmentConfig struct {
	Name      string `hcl:"name,label" json:"name"`
	Index     int    `hcl:"index" json:"index"`
	Role      string `hcl:"role,optional" json:"role,omitempty"`
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`
	// Default is the target materialized on first run.
	Default string `hcl:"default,optional" json:"default,omitempty"`
}

// DHCPConfig selects how segment scopes are served.
type DHCPConfig struct {
	// Mode is "dnsmasq" (render a config file), "builtin" or "off".
	Mode      string   `hcl:"mode,optional" json:"mode,omitempty"`
	Output    string   `hcl:"output,optional" json:"output,omitempty"`
	LeaseTime string   `hcl:"lease_time,optional" json:"lease_time,omitempty"`
	DNS       []string `hcl:"dns,optional" json:"dns,omitempty"`
	Domain    string   `hcl:"domain,optional" json:"domain,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
	Path   string `hcl:"path,optional" json:"path,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// DHCP modes.
const (
	DHCPModeDnsmasq = "dnsmasq"
	DHCPModeBuiltin = "builtin"
	DHCPModeOff     = "off"
)

// Defaults.
const (
	DefaultHealthInterval = 2 * time.Second
	DefaultHealthTimeout  = 2 * time.Second
	DefaultConnectTimeout = 20 * time.Second
	DefaultApplyTimeout   = 10 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
	DefaultLeaseTime      = 12 * time.Hour
	DefaultDnsmasqOutput  = "/etc/dnsmasq.d/enclave.conf"
	DefaultMetricsPath    = "/metrics"
)

var (
	DefaultWireGuardPrefixes = []string{"wg", "wgc"}
	DefaultOpenVPNPrefixes   = []string{"tun", "ovpn"}
)

// Default returns a descriptor with every default applied.
func Default() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Mode == "" {
		c.Mode = "auto"
	}
	if c.KillSwitch == nil {
		on := true
		c.KillSwitch = &on
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.TunnelDir == "" {
		c.TunnelDir = brand.GetTunnelDir()
	}
	if c.HealthInterval == "" {
		c.HealthInterval = DefaultHealthInterval.String()
	}
	if c.ApplyTimeout == "" {
		c.ApplyTimeout = DefaultApplyTimeout.String()
	}

	if c.Addressing == nil {
		c.Addressing = &AddressingConfig{}
	}
	if c.Addressing.StandardBase == "" {
		c.Addressing.StandardBase = "10.10.0.0/16"
	}
	if c.Addressing.LockdownBase == "" {
		c.Addressing.LockdownBase = "10.99.0.0/16"
	}

	if c.Detection == nil {
		c.Detection = &DetectionConfig{}
	}
	if c.Detection.IdentityFile == "" {
		c.Detection.IdentityFile = "/etc/enclave/identity"
	}
	if c.Detection.ProbeAddress == "" {
		c.Detection.ProbeAddress = "10.99.1.1"
	}
	if c.Detection.ProbeTimeout == "" {
		c.Detection.ProbeTimeout = DefaultProbeTimeout.String()
	}

	if c.Tunnels == nil {
		c.Tunnels = &TunnelsConfig{}
	}
	if len(c.Tunnels.WireGuardPrefixes) == 0 {
		c.Tunnels.WireGuardPrefixes = append([]string(nil), DefaultWireGuardPrefixes...)
	}
	if len(c.Tunnels.OpenVPNPrefixes) == 0 {
		c.Tunnels.OpenVPNPrefixes = append([]string(nil), DefaultOpenVPNPrefixes...)
	}
	if c.Tunnels.HealthTimeout == "" {
		c.Tunnels.HealthTimeout = DefaultHealthTimeout.String()
	}
	if c.Tunnels.ConnectTimeout == "" {
		c.Tunnels.ConnectTimeout = DefaultConnectTimeout.String()
	}

	if len(c.Segments) == 0 {
		c.Segments = defaultSegmentConfigs()
	}
	for i := range c.Segments {
		s := &c.Segments[i]
		if s.Role == "" {
			s.Role = roleForName(s.Name)
		}
		if s.Interface == "" {
			s.Interface = "lan-" + s.Name
		}
		if s.Default == "" {
			s.Default = defaultTargetForName(s.Name)
		}
	}

	if c.DHCP == nil {
		c.DHCP = &DHCPConfig{}
	}
	if c.DHCP.Mode == "" {
		c.DHCP.Mode = DHCPModeDnsmasq
	}
	if c.DHCP.Output == "" {
		c.DHCP.Output = DefaultDnsmasqOutput
	}
	if c.DHCP.LeaseTime == "" {
		c.DHCP.LeaseTime = DefaultLeaseTime.String()
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// KillSwitchEnabled reports the effective kill_switch flag.
func (c *Config) KillSwitchEnabled() bool {
	return c.KillSwitch == nil || *c.KillSwitch
}

func roleForName(name string) string {
	switch name {
	case "mgmt", "management":
		return "management"
	case "shared":
		return "shared"
	}
	return "isolated"
}

// dev defaults to direct as a convenience; everything else is fail-closed.
func defaultTargetForName(name string) string {
	if name == "dev" {
		return "direct"
	}
	return "blocked"
}
