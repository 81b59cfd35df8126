package config

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/plan"
)

// segmentNamePattern keeps segment names usable as file names, iproute2
// table names and nft comments.
var segmentNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,14}$`)

// ValidationError represents a descriptor validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks a descriptor after defaults have been applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if _, _, err := mode.Parse(c.Mode); err != nil {
		errs = append(errs, ValidationError{Field: "mode", Message: err.Error()})
	}

	if _, err := c.ParseDurations(); err != nil {
		if verrs, ok := err.(ValidationErrors); ok {
			errs = append(errs, verrs...)
		}
	}

	errs = append(errs, c.validateAddressing()...)
	errs = append(errs, c.validateSegments()...)
	errs = append(errs, c.validateTunnels()...)
	errs = append(errs, c.validateDHCP()...)

	if c.Log != nil {
		if _, err := logging.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, ValidationError{Field: "log.level", Message: err.Error()})
		}
	}
	if c.Detection != nil && c.Detection.ProbeAddress != "" {
		if _, err := netip.ParseAddr(c.Detection.ProbeAddress); err != nil {
			errs = append(errs, ValidationError{Field: "detection.probe_address", Message: err.Error()})
		}
	}

	return errs
}

func (c *Config) validateAddressing() ValidationErrors {
	var errs ValidationErrors
	bases, err := c.Bases()
	if err != nil {
		return append(errs, ValidationError{Field: "addressing", Message: err.Error()})
	}
	for field, p := range map[string]netip.Prefix{
		"addressing.standard_base": bases.Standard,
		"addressing.lockdown_base": bases.Lockdown,
	} {
		if !p.Addr().Is4() || p.Bits() != 16 {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("%s is not an IPv4 /16", p)})
		}
	}
	if bases.Standard.Overlaps(bases.Lockdown) {
		errs = append(errs, ValidationError{Field: "addressing", Message: "standard and lockdown bases overlap"})
	}
	return errs
}

func (c *Config) validateSegments() ValidationErrors {
	var errs ValidationErrors

	if len(c.Segments) == 0 {
		return append(errs, ValidationError{Field: "segment", Message: "at least one segment is required"})
	}

	management := 0
	ifaces := make(map[string]string)
	for _, s := range c.Segments {
		field := fmt.Sprintf("segment[%s]", s.Name)
		if !segmentNamePattern.MatchString(s.Name) {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("name %q must match %s", s.Name, segmentNamePattern)})
		}
		if _, err := plan.ParseRole(s.Role); err != nil {
			errs = append(errs, ValidationError{Field: field + ".role", Message: err.Error()})
		}
		if s.Role == string(plan.RoleManagement) {
			management++
		}
		if other, dup := ifaces[s.Interface]; dup {
			errs = append(errs, ValidationError{Field: field + ".interface", Message: fmt.Sprintf("%s already used by segment %s", s.Interface, other)})
		}
		ifaces[s.Interface] = s.Name
		if s.Default == "" || strings.ContainsAny(s.Default, "/ \t") {
			errs = append(errs, ValidationError{Field: field + ".default", Message: fmt.Sprintf("invalid target %q", s.Default)})
		}
	}
	if management > 1 {
		errs = append(errs, ValidationError{Field: "segment", Message: "more than one management segment"})
	}

	// Build reports duplicate names/indexes and range errors.
	bases, err := c.Bases()
	if err == nil {
		if _, err := plan.Build(mode.Standard, c.PlanSegments(), bases); err != nil {
			errs = append(errs, ValidationError{Field: "segment", Message: err.Error()})
		}
	}
	return errs
}

func (c *Config) validateTunnels() ValidationErrors {
	var errs ValidationErrors
	if c.Tunnels == nil {
		return errs
	}
	seen := make(map[string]bool)
	for _, p := range append(append([]string(nil), c.Tunnels.WireGuardPrefixes...), c.Tunnels.OpenVPNPrefixes...) {
		if p == "" {
			errs = append(errs, ValidationError{Field: "tunnels", Message: "empty interface prefix"})
			continue
		}
		if seen[p] {
			errs = append(errs, ValidationError{Field: "tunnels", Message: fmt.Sprintf("prefix %q listed twice", p)})
		}
		seen[p] = true
	}
	return errs
}

func (c *Config) validateDHCP() ValidationErrors {
	var errs ValidationErrors
	if c.DHCP == nil {
		return errs
	}
	switch c.DHCP.Mode {
	case DHCPModeDnsmasq, DHCPModeBuiltin, DHCPModeOff:
	default:
		errs = append(errs, ValidationError{Field: "dhcp.mode", Message: fmt.Sprintf("unknown mode %q", c.DHCP.Mode)})
	}
	for _, d := range c.DHCP.DNS {
		if _, err := netip.ParseAddr(d); err != nil {
			errs = append(errs, ValidationError{Field: "dhcp.dns", Message: err.Error()})
		}
	}
	return errs
}
