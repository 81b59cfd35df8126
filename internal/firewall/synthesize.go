package firewall

import (
	"errors"
	"fmt"
	"sort"

	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
)

var (
	// ErrInconsistent is returned when a ruleset does not match the inputs it
	// was derived from. Nothing is applied.
	ErrInconsistent = errors.New("ruleset inconsistent with current plan")
	// ErrApplyHung is returned when nft does not finish within the apply timeout.
	ErrApplyHung = errors.New("ruleset apply hung")
)

// TunnelState is what the synthesizer needs to know about one tunnel.
type TunnelState struct {
	Interface string `json:"interface"`
	Up        bool   `json:"up"`
}

// Input is everything a ruleset is derived from.
type Input struct {
	Mode              mode.Mode
	Plan              *plan.Plan
	Assignments       map[string]state.Target
	Tunnels           map[string]TunnelState
	KillSwitch        bool
	AllowInterSegment bool
	Uplink            string
}

// Action is the derived treatment of a segment's egress traffic.
type Action struct {
	Blocked bool   `json:"blocked"`
	Via     string `json:"via,omitempty"`
}

func (a Action) String() string {
	switch {
	case a.Blocked:
		return state.Blocked.String()
	case a.Via != "":
		return "via " + a.Via
	default:
		return state.Direct.String()
	}
}

// Direct reports whether traffic leaves through the uplink untunnelled.
func (a Action) Direct() bool { return !a.Blocked && a.Via == "" }

// EffectiveAction derives the action for a target. A tunnel target whose
// tunnel is down is blocked when the kill switch is on and direct otherwise.
func EffectiveAction(target state.Target, tunnelUp, killSwitch bool) Action {
	switch {
	case target == state.Blocked:
		return Action{Blocked: true}
	case target.IsTunnel() && tunnelUp:
		return Action{Via: target.Tunnel()}
	case target.IsTunnel() && killSwitch:
		return Action{Blocked: true}
	default:
		return Action{}
	}
}

// SegmentAction is EffectiveAction for one segment of a plan in mode m.
// Management is blocked in lockdown whatever its target. A segment without a
// fwmark table cannot reach its tunnel, so its tunnel counts as down.
func SegmentAction(m mode.Mode, seg plan.SegmentPlan, target state.Target, tunnelUp, killSwitch bool) Action {
	if m == mode.Lockdown && seg.Role == plan.RoleManagement {
		return Action{Blocked: true}
	}
	if !seg.PolicyRouted(m) {
		tunnelUp = false
	}
	return EffectiveAction(target, tunnelUp, killSwitch)
}

// Action returns the enforced action of a segment. Segments without an
// assignment are blocked.
func (in Input) Action(segment string) Action {
	target, ok := in.Assignments[segment]
	if !ok {
		return Action{Blocked: true}
	}
	seg, ok := in.Plan.Lookup(segment)
	if !ok {
		return Action{Blocked: true}
	}
	up := false
	if target.IsTunnel() {
		up = in.Tunnels[target.Tunnel()].Up
	}
	return SegmentAction(in.Mode, seg, target, up, in.KillSwitch)
}

func (in Input) tunnelNames() []string {
	names := make([]string, 0, len(in.Tunnels))
	for name := range in.Tunnels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (in Input) tunnelInterface(name string) string {
	if iface := in.Tunnels[name].Interface; iface != "" {
		return iface
	}
	return name
}

// Synthesize derives the ruleset. It has no side effects.
func Synthesize(in Input) (*Ruleset, error) {
	if in.Plan == nil {
		return nil, fmt.Errorf("%w: no address plan", ErrInconsistent)
	}
	if in.Plan.Mode != in.Mode {
		return nil, fmt.Errorf("%w: plan built for %s, input is %s", ErrInconsistent, in.Plan.Mode, in.Mode)
	}
	if in.Uplink == "" {
		return nil, fmt.Errorf("%w: no uplink interface", ErrInconsistent)
	}

	rs := &Ruleset{Mode: in.Mode, Table: TableName, Family: TableFamily}
	rs.Chains = append(rs.Chains, inputChain(in))
	if in.Mode == mode.Lockdown {
		rs.Chains = append(rs.Chains, markChain(in))
	}
	rs.Chains = append(rs.Chains, forwardChain(in), postroutingChain(in))
	return rs, nil
}

func inputChain(in Input) *Chain {
	c := &Chain{Name: ChainInput, Type: "filter", Hook: "input", Priority: PriorityFilter, Policy: "drop"}
	c.add(Rule{Match: Match{IIF: "lo"}, Verdict: VerdictAccept})
	c.add(Rule{Match: Match{CTState: []string{CTEstablished, CTRelated}}, Verdict: VerdictAccept})
	c.add(Rule{Match: Match{CTState: []string{CTInvalid}}, Verdict: VerdictDrop})
	for _, seg := range in.Plan.Segments() {
		c.add(Rule{Match: Match{SAddr: seg.Subnet}, Verdict: VerdictAccept, Comment: "from " + seg.Name})
	}
	c.add(Rule{Match: Match{Proto: "icmp"}, Verdict: VerdictAccept})
	return c
}

func markChain(in Input) *Chain {
	c := &Chain{Name: ChainMark, Type: "filter", Hook: "prerouting", Priority: PriorityMangle}
	for _, seg := range in.Plan.PolicyRouted() {
		c.add(Rule{Match: Match{SAddr: seg.Subnet}, Verdict: VerdictMark, SetMark: seg.Mark, Comment: seg.Name})
	}
	return c
}

func forwardChain(in Input) *Chain {
	c := &Chain{Name: ChainForward, Type: "filter", Hook: "forward", Priority: PriorityFilter, Policy: "drop"}
	segs := in.Plan.Segments()
	lockdown := in.Mode == mode.Lockdown
	isolatedMgmt := func(s plan.SegmentPlan) bool {
		return lockdown && s.Role == plan.RoleManagement
	}

	if mgmt, ok := in.Plan.Management(); ok && lockdown {
		c.add(Rule{Match: Match{SAddr: mgmt.Subnet}, Verdict: VerdictDrop, Comment: "management isolated"})
		c.add(Rule{Match: Match{DAddr: mgmt.Subnet}, Verdict: VerdictDrop, Comment: "management isolated"})
	}

	for _, shared := range segs {
		if shared.Role != plan.RoleShared {
			continue
		}
		for _, other := range segs {
			if other.Name == shared.Name || isolatedMgmt(other) {
				continue
			}
			c.add(Rule{Match: Match{SAddr: shared.Subnet, DAddr: other.Subnet}, Verdict: VerdictAccept, Comment: shared.Name + " to " + other.Name})
			c.add(Rule{Match: Match{SAddr: other.Subnet, DAddr: shared.Subnet}, Verdict: VerdictAccept, Comment: other.Name + " to " + shared.Name})
		}
	}

	for i, a := range segs {
		if a.Role == plan.RoleShared {
			continue
		}
		for _, b := range segs[i+1:] {
			if b.Role == plan.RoleShared {
				continue
			}
			verdict := VerdictDrop
			if in.AllowInterSegment && !isolatedMgmt(a) && !isolatedMgmt(b) {
				verdict = VerdictAccept
			}
			c.add(Rule{Match: Match{SAddr: a.Subnet, DAddr: b.Subnet}, Verdict: verdict, Comment: a.Name + " to " + b.Name})
			c.add(Rule{Match: Match{SAddr: b.Subnet, DAddr: a.Subnet}, Verdict: verdict, Comment: b.Name + " to " + a.Name})
		}
	}

	for _, seg := range segs {
		if in.Action(seg.Name).Blocked {
			c.add(Rule{Match: Match{SAddr: seg.Subnet}, Verdict: VerdictDrop, Comment: seg.Name + " blocked"})
		}
	}

	c.add(Rule{Match: Match{CTState: []string{CTEstablished, CTRelated}}, Verdict: VerdictAccept})

	for _, name := range in.tunnelNames() {
		if in.Tunnels[name].Up {
			c.add(Rule{Match: Match{OIF: in.tunnelInterface(name)}, Verdict: VerdictAccept, Comment: "tunnel " + name})
		}
	}

	for _, seg := range segs {
		if isolatedMgmt(seg) || !in.Action(seg.Name).Direct() {
			continue
		}
		m := Match{OIF: in.Uplink}
		if lockdown {
			m.Mark = seg.Mark
		} else {
			m.SAddr = seg.Subnet
		}
		c.add(Rule{Match: m, Verdict: VerdictAccept, Comment: seg.Name + " direct"})
	}
	return c
}

func postroutingChain(in Input) *Chain {
	c := &Chain{Name: ChainPostrouting, Type: "nat", Hook: "postrouting", Priority: PrioritySrcNAT}
	for _, name := range in.tunnelNames() {
		c.add(Rule{Match: Match{OIF: in.tunnelInterface(name)}, Verdict: VerdictMasquerade})
	}
	c.add(Rule{Match: Match{OIF: in.Uplink}, Verdict: VerdictMasquerade})
	return c
}
