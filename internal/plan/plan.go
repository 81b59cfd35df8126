// Package plan maps (mode, segment) to addressing and routing numbers.
//
// Everything here is pure: the same inputs always yield the same plan, and
// the numbers derived from a segment index (subnet octet, fwmark, routing
// table, rule priority) are stable across restarts.
package plan

import (
	"errors"
	"fmt"
	"net/netip"

	"grimm.is/enclave/internal/mode"
)

// Fixed numbering derived from the segment index.
const (
	MarkCategorySegment uint32 = 0x05
	MarkBase            uint32 = MarkCategorySegment << 8 // 0x0500
	TableBase                  = 100
	RulePriorityBase           = 1000

	MinIndex = 1
	MaxIndex = 250

	GatewayHost   = 254
	PoolStartHost = 10
	PoolEndHost   = 239
)

// Default address bases.
var (
	DefaultStandardBase = netip.MustParsePrefix("10.10.0.0/16")
	DefaultLockdownBase = netip.MustParsePrefix("10.99.0.0/16")
)

var (
	ErrDuplicateSegment = errors.New("duplicate segment")
	ErrIndexRange       = errors.New("segment index out of range")
	ErrInvalidBase      = errors.New("address base must be an IPv4 /16")
)

// Bases holds the /16 prefix used in each mode.
type Bases struct {
	Standard netip.Prefix
	Lockdown netip.Prefix
}

// DefaultBases returns the built-in address bases.
func DefaultBases() Bases {
	return Bases{Standard: DefaultStandardBase, Lockdown: DefaultLockdownBase}
}

// For returns the base for m.
func (b Bases) For(m mode.Mode) netip.Prefix {
	if m == mode.Lockdown {
		return b.Lockdown
	}
	return b.Standard
}

// SegmentPlan is the addressing and routing identity of one segment.
type SegmentPlan struct {
	Segment

	Subnet    netip.Prefix `json:"subnet" yaml:"subnet"`
	Gateway   netip.Addr   `json:"gateway" yaml:"gateway"`
	PoolStart netip.Addr   `json:"pool_start" yaml:"pool_start"`
	PoolEnd   netip.Addr   `json:"pool_end" yaml:"pool_end"`

	Mark         uint32 `json:"mark" yaml:"mark"`
	Table        int    `json:"table" yaml:"table"`
	TableName    string `json:"table_name" yaml:"table_name"`
	RulePriority int    `json:"rule_priority" yaml:"rule_priority"`
}

// PolicyRouted reports whether the segment gets a fwmark routing table in
// mode m. Only lockdown routes per segment, and never the management segment.
func (s SegmentPlan) PolicyRouted(m mode.Mode) bool {
	return m == mode.Lockdown && s.Role != RoleManagement
}

// Plan is the address plan for one mode.
type Plan struct {
	Mode     mode.Mode
	Base     netip.Prefix
	segments []SegmentPlan
	byName   map[string]int
}

// Build computes the plan for m.
func Build(m mode.Mode, segments []Segment, bases Bases) (*Plan, error) {
	base := bases.For(m)
	if !base.IsValid() || !base.Addr().Is4() || base.Bits() != 16 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBase, base)
	}
	base = base.Masked()

	sorted := append([]Segment(nil), segments...)
	SortByIndex(sorted)

	p := &Plan{
		Mode:   m,
		Base:   base,
		byName: make(map[string]int, len(sorted)),
	}
	seenIndex := make(map[int]string, len(sorted))
	for _, s := range sorted {
		if s.Name == "" {
			return nil, errors.New("segment name is empty")
		}
		if s.Index < MinIndex || s.Index > MaxIndex {
			return nil, fmt.Errorf("%w: %s has index %d (want %d..%d)", ErrIndexRange, s.Name, s.Index, MinIndex, MaxIndex)
		}
		if _, dup := p.byName[s.Name]; dup {
			return nil, fmt.Errorf("%w: name %q", ErrDuplicateSegment, s.Name)
		}
		if other, dup := seenIndex[s.Index]; dup {
			return nil, fmt.Errorf("%w: index %d used by %q and %q", ErrDuplicateSegment, s.Index, other, s.Name)
		}
		seenIndex[s.Index] = s.Name
		if s.Role == "" {
			s.Role = RoleIsolated
		}
		if s.Interface == "" {
			s.Interface = "lan-" + s.Name
		}
		if s.DefaultTarget == "" {
			s.DefaultTarget = TargetBlocked
		}

		p.byName[s.Name] = len(p.segments)
		p.segments = append(p.segments, segmentPlan(base, s))
	}
	return p, nil
}

func segmentPlan(base netip.Prefix, s Segment) SegmentPlan {
	b := base.Addr().As4()
	host := func(h byte) netip.Addr {
		return netip.AddrFrom4([4]byte{b[0], b[1], byte(s.Index), h})
	}
	return SegmentPlan{
		Segment:      s,
		Subnet:       netip.PrefixFrom(host(0), 24),
		Gateway:      host(GatewayHost),
		PoolStart:    host(PoolStartHost),
		PoolEnd:      host(PoolEndHost),
		Mark:         MarkBase + uint32(s.Index),
		Table:        TableBase + s.Index,
		TableName:    "enclave-" + s.Name,
		RulePriority: RulePriorityBase + s.Index,
	}
}

// Lookup returns the plan entry for a segment name.
func (p *Plan) Lookup(name string) (SegmentPlan, bool) {
	i, ok := p.byName[name]
	if !ok {
		return SegmentPlan{}, false
	}
	return p.segments[i], true
}

// Segments returns every segment ordered by index.
func (p *Plan) Segments() []SegmentPlan {
	return append([]SegmentPlan(nil), p.segments...)
}

// Names returns the segment names ordered by index.
func (p *Plan) Names() []string {
	names := make([]string, len(p.segments))
	for i, s := range p.segments {
		names[i] = s.Name
	}
	return names
}

// Contains reports whether prefix is exactly one of the planned subnets.
func (p *Plan) Contains(prefix netip.Prefix) bool {
	prefix = prefix.Masked()
	for _, s := range p.segments {
		if s.Subnet == prefix {
			return true
		}
	}
	return false
}

// SegmentFor returns the segment whose subnet holds addr.
func (p *Plan) SegmentFor(addr netip.Addr) (SegmentPlan, bool) {
	for _, s := range p.segments {
		if s.Subnet.Contains(addr) {
			return s, true
		}
	}
	return SegmentPlan{}, false
}

// Management returns the management segment, if one is planned.
func (p *Plan) Management() (SegmentPlan, bool) {
	for _, s := range p.segments {
		if s.Role == RoleManagement {
			return s, true
		}
	}
	return SegmentPlan{}, false
}

// PolicyRouted returns the segments that receive fwmark routing tables.
func (p *Plan) PolicyRouted() []SegmentPlan {
	var out []SegmentPlan
	for _, s := range p.segments {
		if s.PolicyRouted(p.Mode) {
			out = append(out, s)
		}
	}
	return out
}

// IsInterface reports whether name is a segment interface.
func (p *Plan) IsInterface(name string) bool {
	for _, s := range p.segments {
		if s.Interface == name {
			return true
		}
	}
	return false
}
