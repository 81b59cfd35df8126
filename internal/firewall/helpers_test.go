package firewall

import (
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
)

var internet = netip.MustParseAddr("1.1.1.1")

const uplink = "eth0"

func defaultAssignments() map[string]state.Target {
	return map[string]state.Target{
		"mgmt": state.Blocked, "pentest": state.Blocked, "office": state.Blocked,
		"browse": state.Blocked, "dev": state.Direct, "shared": state.Blocked,
	}
}

func testInput(t *testing.T, m mode.Mode) Input {
	t.Helper()
	p, err := plan.Build(m, plan.DefaultSegments(), plan.DefaultBases())
	require.NoError(t, err)
	return Input{
		Mode:        m,
		Plan:        p,
		Assignments: defaultAssignments(),
		Tunnels:     map[string]TunnelState{},
		KillSwitch:  true,
		Uplink:      uplink,
	}
}

func synth(t *testing.T, in Input) *Ruleset {
	t.Helper()
	rs, err := Synthesize(in)
	require.NoError(t, err)
	require.NoError(t, Validate(rs, in))
	return rs
}

func seg(t *testing.T, in Input, name string) plan.SegmentPlan {
	t.Helper()
	s, ok := in.Plan.Lookup(name)
	require.True(t, ok, name)
	return s
}

// packet is a simplified view of what the kernel matches on.
type packet struct {
	src, dst netip.Addr
	iif, oif string
	mark     uint32
	ct       string
	proto    string
}

func matches(r Rule, p packet) bool {
	ct := p.ct
	if ct == "" {
		ct = "new"
	}
	switch {
	case r.IIF != "" && r.IIF != p.iif:
		return false
	case r.OIF != "" && r.OIF != p.oif:
		return false
	case r.SAddr.IsValid() && !r.SAddr.Contains(p.src):
		return false
	case r.DAddr.IsValid() && !r.DAddr.Contains(p.dst):
		return false
	case r.Mark != 0 && r.Mark != p.mark:
		return false
	case len(r.CTState) > 0 && !slices.Contains(r.CTState, ct):
		return false
	case r.Proto != "" && r.Proto != p.proto:
		return false
	}
	return true
}

// evaluate walks a chain and returns the first terminal verdict, or the
// chain policy.
func evaluate(c *Chain, p *packet) Verdict {
	for _, r := range c.Rules {
		if !matches(r, *p) {
			continue
		}
		if r.Verdict == VerdictMark {
			p.mark = r.SetMark
			continue
		}
		return r.Verdict
	}
	if c.Policy == "drop" {
		return VerdictDrop
	}
	return VerdictAccept
}

// forward runs a packet through the mark chain (if any) and the forward chain.
func forward(rs *Ruleset, p packet) Verdict {
	if mc := rs.Chain(ChainMark); mc != nil {
		evaluate(mc, &p)
	}
	return evaluate(rs.Chain(ChainForward), &p)
}

func toSegment(t *testing.T, in Input, from, to string) packet {
	a, b := seg(t, in, from), seg(t, in, to)
	return packet{src: a.PoolStart, dst: b.PoolStart, iif: a.Interface, oif: b.Interface}
}

func toInternet(t *testing.T, in Input, from, oif string) packet {
	a := seg(t, in, from)
	return packet{src: a.PoolStart, dst: internet, iif: a.Interface, oif: oif}
}
