package firewall

import (
	"errors"
	"fmt"
	"net/netip"

	"grimm.is/enclave/internal/mode"
)

// Validate checks that every rule refers only to things the input knows
// about: planned subnets and marks, recognized tunnels, the uplink and lo.
// In lockdown it also refuses any forward accept sourced from management.
func Validate(rs *Ruleset, in Input) error {
	if rs == nil {
		return fmt.Errorf("%w: nil ruleset", ErrInconsistent)
	}
	if in.Plan == nil {
		return fmt.Errorf("%w: no address plan", ErrInconsistent)
	}
	if rs.Mode != in.Mode || in.Plan.Mode != in.Mode {
		return fmt.Errorf("%w: ruleset mode %s, plan mode %s, input mode %s", ErrInconsistent, rs.Mode, in.Plan.Mode, in.Mode)
	}
	if in.Uplink == "" {
		return fmt.Errorf("%w: no uplink interface", ErrInconsistent)
	}
	if rs.Table != TableName || rs.Family != TableFamily {
		return fmt.Errorf("%w: table %s %s", ErrInconsistent, rs.Family, rs.Table)
	}

	subnets := make(map[netip.Prefix]string)
	marks := make(map[uint32]string)
	for _, seg := range in.Plan.Segments() {
		subnets[seg.Subnet] = seg.Name
	}
	if in.Mode == mode.Lockdown {
		for _, seg := range in.Plan.PolicyRouted() {
			marks[seg.Mark] = seg.Name
		}
	}
	ifaces := map[string]bool{"lo": true, in.Uplink: true}
	for name := range in.Tunnels {
		ifaces[in.tunnelInterface(name)] = true
	}
	var mgmt netip.Prefix
	if seg, ok := in.Plan.Management(); ok && in.Mode == mode.Lockdown {
		mgmt = seg.Subnet
	}

	var errs []error
	seen := make(map[string]bool)
	for _, c := range rs.Chains {
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("duplicate chain %s", c.Name))
		}
		seen[c.Name] = true
		if c.Name == ChainMark && in.Mode != mode.Lockdown {
			errs = append(errs, fmt.Errorf("mark chain outside lockdown"))
		}
		for i, r := range c.Rules {
			where := fmt.Sprintf("%s rule %d", c.Name, i)
			if err := checkRule(r, subnets, marks, ifaces); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			if c.Name == ChainForward && r.Verdict == VerdictAccept && mgmt.IsValid() && r.SAddr == mgmt {
				errs = append(errs, fmt.Errorf("%s: accepts traffic from management in lockdown", where))
			}
		}
	}
	for _, name := range []string{ChainInput, ChainForward, ChainPostrouting} {
		if !seen[name] {
			errs = append(errs, fmt.Errorf("missing chain %s", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInconsistent, errors.Join(errs...))
	}
	return nil
}

func checkRule(r Rule, subnets map[netip.Prefix]string, marks map[uint32]string, ifaces map[string]bool) error {
	for _, p := range []netip.Prefix{r.SAddr, r.DAddr} {
		if p.IsValid() {
			if _, ok := subnets[p]; !ok {
				return fmt.Errorf("subnet %s is not in the address plan", p)
			}
		}
	}
	for _, iface := range []string{r.IIF, r.OIF} {
		if iface != "" && !ifaces[iface] {
			return fmt.Errorf("interface %q is neither the uplink nor a recognized tunnel", iface)
		}
	}
	if r.Mark != 0 {
		if _, ok := marks[r.Mark]; !ok {
			return fmt.Errorf("mark 0x%x belongs to no policy-routed segment", r.Mark)
		}
	}
	switch r.Verdict {
	case VerdictAccept, VerdictDrop, VerdictMasquerade:
	case VerdictMark:
		if _, ok := marks[r.SetMark]; !ok {
			return fmt.Errorf("sets mark 0x%x which belongs to no policy-routed segment", r.SetMark)
		}
	default:
		return fmt.Errorf("unknown verdict %q", r.Verdict)
	}
	return nil
}
