// Package dhcp derives one DHCPv4 scope per segment from the address plan
// and either renders them for dnsmasq or serves them itself.
package dhcp

import (
	"net/netip"
	"time"

	"grimm.is/enclave/internal/plan"
)

// DefaultLeaseTime is used when Options.LeaseTime is zero.
const DefaultLeaseTime = 12 * time.Hour

// Scope is the DHCP configuration of one segment.
type Scope struct {
	Segment    string        `json:"segment" yaml:"segment"`
	Interface  string        `json:"interface" yaml:"interface"`
	Subnet     netip.Prefix  `json:"subnet" yaml:"subnet"`
	Router     netip.Addr    `json:"router" yaml:"router"`
	RangeStart netip.Addr    `json:"range_start" yaml:"range_start"`
	RangeEnd   netip.Addr    `json:"range_end" yaml:"range_end"`
	DNS        []netip.Addr  `json:"dns" yaml:"dns"`
	Domain     string        `json:"domain,omitempty" yaml:"domain,omitempty"`
	LeaseTime  time.Duration `json:"lease_time" yaml:"lease_time"`
}

// Options are the descriptor's dhcp settings shared by all scopes.
type Options struct {
	LeaseTime time.Duration
	// DNS servers handed out. Empty means the segment gateway.
	DNS    []netip.Addr
	Domain string
}

// Scopes returns one scope per planned segment, in index order.
func Scopes(p *plan.Plan, opts Options) []Scope {
	lease := opts.LeaseTime
	if lease <= 0 {
		lease = DefaultLeaseTime
	}
	segs := p.Segments()
	scopes := make([]Scope, 0, len(segs))
	for _, s := range segs {
		dns := opts.DNS
		if len(dns) == 0 {
			dns = []netip.Addr{s.Gateway}
		}
		scopes = append(scopes, Scope{
			Segment:    s.Name,
			Interface:  s.Interface,
			Subnet:     s.Subnet,
			Router:     s.Gateway,
			RangeStart: s.PoolStart,
			RangeEnd:   s.PoolEnd,
			DNS:        append([]netip.Addr(nil), dns...),
			Domain:     opts.Domain,
			LeaseTime:  lease,
		})
	}
	return scopes
}

// Contains reports whether addr is inside the dynamic range.
func (s Scope) Contains(addr netip.Addr) bool {
	return s.RangeStart.Compare(addr) <= 0 && addr.Compare(s.RangeEnd) <= 0
}
