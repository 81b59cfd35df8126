package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// EncodeHCL serializes a descriptor as HCL.
func EncodeHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("schema_version", cty.StringVal(cfg.SchemaVersion))
	body.SetAttributeValue("mode", cty.StringVal(cfg.Mode))
	body.SetAttributeValue("kill_switch", cty.BoolVal(cfg.KillSwitchEnabled()))
	body.SetAttributeValue("allow_inter_segment", cty.BoolVal(cfg.AllowInterSegment))
	if cfg.Uplink != "" {
		body.SetAttributeValue("uplink", cty.StringVal(cfg.Uplink))
	}
	setString(body, "state_dir", cfg.StateDir)
	setString(body, "tunnel_dir", cfg.TunnelDir)
	setString(body, "health_interval", cfg.HealthInterval)
	setString(body, "apply_timeout", cfg.ApplyTimeout)

	if a := cfg.Addressing; a != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("addressing", nil).Body()
		setString(b, "standard_base", a.StandardBase)
		setString(b, "lockdown_base", a.LockdownBase)
	}

	if d := cfg.Detection; d != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("detection", nil).Body()
		setString(b, "identity_file", d.IdentityFile)
		setString(b, "probe_address", d.ProbeAddress)
		setString(b, "probe_interface", d.ProbeInterface)
		setString(b, "probe_timeout", d.ProbeTimeout)
		if d.ProbePrivileged {
			b.SetAttributeValue("probe_privileged", cty.True)
		}
	}

	if t := cfg.Tunnels; t != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("tunnels", nil).Body()
		b.SetAttributeValue("wireguard_prefixes", stringList(t.WireGuardPrefixes))
		b.SetAttributeValue("openvpn_prefixes", stringList(t.OpenVPNPrefixes))
		setString(b, "health_timeout", t.HealthTimeout)
		setString(b, "connect_timeout", t.ConnectTimeout)
	}

	for _, s := range cfg.Segments {
		body.AppendNewline()
		b := body.AppendNewBlock("segment", []string{s.Name}).Body()
		b.SetAttributeValue("index", cty.NumberIntVal(int64(s.Index)))
		setString(b, "role", s.Role)
		setString(b, "interface", s.Interface)
		setString(b, "default", s.Default)
	}

	if d := cfg.DHCP; d != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("dhcp", nil).Body()
		setString(b, "mode", d.Mode)
		setString(b, "output", d.Output)
		setString(b, "lease_time", d.LeaseTime)
		if len(d.DNS) > 0 {
			b.SetAttributeValue("dns", stringList(d.DNS))
		}
		setString(b, "domain", d.Domain)
	}

	if m := cfg.Metrics; m != nil && (m.Listen != "" || m.Path != DefaultMetricsPath) {
		body.AppendNewline()
		b := body.AppendNewBlock("metrics", nil).Body()
		setString(b, "listen", m.Listen)
		setString(b, "path", m.Path)
	}

	if l := cfg.Log; l != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("log", nil).Body()
		setString(b, "level", l.Level)
		if l.JSON {
			b.SetAttributeValue("json", cty.True)
		}
	}

	return hclwrite.Format(f.Bytes())
}

// WriteDefault writes the default descriptor to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, EncodeHCL(Default()), 0644)
}

func setString(body *hclwrite.Body, name, value string) {
	if value != "" {
		body.SetAttributeValue(name, cty.StringVal(value))
	}
}

func stringList(vals []string) cty.Value {
	if len(vals) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	out := make([]cty.Value, len(vals))
	for i, s := range vals {
		out[i] = cty.StringVal(s)
	}
	return cty.ListVal(out)
}
