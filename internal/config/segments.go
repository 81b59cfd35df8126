package config

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/enclave/internal/plan"
)

func defaultSegmentConfigs() []SegmentConfig {
	var out []SegmentConfig
	for _, s := range plan.DefaultSegments() {
		out = append(out, SegmentConfig{
			Name:      s.Name,
			Index:     s.Index,
			Role:      string(s.Role),
			Interface: s.Interface,
			Default:   s.DefaultTarget,
		})
	}
	return out
}

// PlanSegments converts the segment blocks for the address plan.
func (c *Config) PlanSegments() []plan.Segment {
	out := make([]plan.Segment, 0, len(c.Segments))
	for _, s := range c.Segments {
		out = append(out, plan.Segment{
			Name:          s.Name,
			Index:         s.Index,
			Role:          plan.Role(s.Role),
			Interface:     s.Interface,
			DefaultTarget: s.Default,
		})
	}
	return out
}

// Bases parses the addressing block.
func (c *Config) Bases() (plan.Bases, error) {
	b := plan.DefaultBases()
	if c.Addressing == nil {
		return b, nil
	}
	if c.Addressing.StandardBase != "" {
		p, err := netip.ParsePrefix(c.Addressing.StandardBase)
		if err != nil {
			return b, fmt.Errorf("addressing.standard_base: %w", err)
		}
		b.Standard = p
	}
	if c.Addressing.LockdownBase != "" {
		p, err := netip.ParsePrefix(c.Addressing.LockdownBase)
		if err != nil {
			return b, fmt.Errorf("addressing.lockdown_base: %w", err)
		}
		b.Lockdown = p
	}
	return b, nil
}

// Durations holds the parsed duration strings of a descriptor.
type Durations struct {
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	ApplyTimeout   time.Duration
	ProbeTimeout   time.Duration
	LeaseTime      time.Duration
}

// ParseDurations parses every duration field. Empty values take defaults.
func (c *Config) ParseDurations() (Durations, error) {
	d := Durations{}
	var errs ValidationErrors
	parse := func(field, s string, def time.Duration, dst *time.Duration) {
		*dst = def
		if s == "" {
			return
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			return
		}
		if v <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be positive"})
			return
		}
		*dst = v
	}

	parse("health_interval", c.HealthInterval, DefaultHealthInterval, &d.HealthInterval)
	parse("apply_timeout", c.ApplyTimeout, DefaultApplyTimeout, &d.ApplyTimeout)
	var healthTimeout, connectTimeout, probeTimeout, leaseTime string
	if c.Tunnels != nil {
		healthTimeout, connectTimeout = c.Tunnels.HealthTimeout, c.Tunnels.ConnectTimeout
	}
	if c.Detection != nil {
		probeTimeout = c.Detection.ProbeTimeout
	}
	if c.DHCP != nil {
		leaseTime = c.DHCP.LeaseTime
	}
	parse("tunnels.health_timeout", healthTimeout, DefaultHealthTimeout, &d.HealthTimeout)
	parse("tunnels.connect_timeout", connectTimeout, DefaultConnectTimeout, &d.ConnectTimeout)
	parse("detection.probe_timeout", probeTimeout, DefaultProbeTimeout, &d.ProbeTimeout)
	parse("dhcp.lease_time", leaseTime, DefaultLeaseTime, &d.LeaseTime)

	if errs.HasErrors() {
		return d, errs
	}
	return d, nil
}

// ProbeInterface returns the interface the lockdown probe binds to.
func (c *Config) ProbeInterface() string {
	if c.Detection != nil && c.Detection.ProbeInterface != "" {
		return c.Detection.ProbeInterface
	}
	for _, s := range c.Segments {
		if s.Role == string(plan.RoleManagement) {
			if s.Interface != "" {
				return s.Interface
			}
			return "lan-" + s.Name
		}
	}
	return ""
}
