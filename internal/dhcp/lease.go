package dhcp

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"grimm.is/enclave/internal/clock"
)

// ErrPoolExhausted is returned when every address in a scope is leased.
var ErrPoolExhausted = errors.New("no addresses available")

// Lease is one active binding.
type Lease struct {
	Segment  string     `json:"segment" yaml:"segment"`
	MAC      string     `json:"mac" yaml:"mac"`
	IP       netip.Addr `json:"ip" yaml:"ip"`
	Hostname string     `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Expires  time.Time  `json:"expires" yaml:"expires"`
}

// LeaseStore allocates addresses from one scope's dynamic range. Leases
// live in memory only; clients simply re-request after a restart.
type LeaseStore struct {
	mu    sync.Mutex
	scope Scope
	clock clock.Clock

	leases map[string]*Lease // MAC -> lease
	taken  map[netip.Addr]string
}

// NewLeaseStore creates an empty store for scope.
func NewLeaseStore(scope Scope) *LeaseStore {
	return &LeaseStore{
		scope:  scope,
		clock:  clock.Real,
		leases: make(map[string]*Lease),
		taken:  make(map[netip.Addr]string),
	}
}

// Allocate returns the client's current address or the lowest free one,
// and (re)starts its lease.
func (s *LeaseStore) Allocate(mac string) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[mac]; ok {
		l.Expires = s.clock.Now().Add(s.scope.LeaseTime)
		return l.IP, nil
	}

	for ip := s.scope.RangeStart; s.scope.Contains(ip); ip = ip.Next() {
		if _, used := s.taken[ip]; used {
			continue
		}
		s.leases[mac] = &Lease{
			Segment: s.scope.Segment,
			MAC:     mac,
			IP:      ip,
			Expires: s.clock.Now().Add(s.scope.LeaseTime),
		}
		s.taken[ip] = mac
		return ip, nil
	}
	return netip.Addr{}, fmt.Errorf("%w in %s", ErrPoolExhausted, s.scope.Segment)
}

// Current returns the client's address without allocating.
func (s *LeaseStore) Current(mac string) (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[mac]; ok {
		return l.IP, true
	}
	return netip.Addr{}, false
}

// SetHostname records the hostname a client reported.
func (s *LeaseStore) SetHostname(mac, hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[mac]; ok {
		l.Hostname = hostname
	}
}

// Release drops a client's lease.
func (s *LeaseStore) Release(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[mac]; ok {
		delete(s.taken, l.IP)
		delete(s.leases, mac)
	}
}

// ExpireLeases removes leases past their expiry and returns them.
func (s *LeaseStore) ExpireLeases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []Lease
	for mac, l := range s.leases {
		if now.After(l.Expires) {
			expired = append(expired, *l)
			delete(s.taken, l.IP)
			delete(s.leases, mac)
		}
	}
	return expired
}

// Leases returns a snapshot ordered by address.
func (s *LeaseStore) Leases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}
