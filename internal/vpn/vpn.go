// Package vpn discovers the VPN tunnels the node can route segments through
// and reports their health.
//
// Tunnels are not implemented here: they are pre-existing interfaces, or are
// brought up with the technology's own tool (wg-quick, openvpn). A tunnel's
// identity is its interface name, which is also the base name of its config
// file in the tunnel directory.
package vpn

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Kind is the tunnel technology.
type Kind string

const (
	KindWireGuard Kind = "wireguard"
	KindOpenVPN   Kind = "openvpn"
)

// Health is the tunnel's usability for routing.
type Health string

const (
	HealthUp   Health = "up"
	HealthDown Health = "down"
)

var (
	ErrUnknownTunnel = errors.New("unknown tunnel")
	ErrNoConfig      = errors.New("tunnel has no config file")
)

// Tunnel is one known tunnel.
type Tunnel struct {
	Name       string     `json:"name" yaml:"name"`
	Interface  string     `json:"interface" yaml:"interface"`
	Kind       Kind       `json:"kind" yaml:"kind"`
	ConfigPath string     `json:"config_path,omitempty" yaml:"config_path,omitempty"`
	Health     Health     `json:"health" yaml:"health"`
	Peer       netip.Addr `json:"peer,omitzero" yaml:"peer,omitempty"`
	// Reason explains a down health.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Up reports whether the tunnel is healthy.
func (t Tunnel) Up() bool { return t.Health == HealthUp }

// Prefixes are the interface-name prefixes recognized per technology.
type Prefixes struct {
	WireGuard []string
	OpenVPN   []string
}

// DefaultPrefixes returns the built-in prefixes.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		WireGuard: []string{"wg", "wgc"},
		OpenVPN:   []string{"tun", "ovpn"},
	}
}

// KindOf classifies an interface name. The character after the prefix must
// be a digit, '-' or '_', so "wgc0" matches "wgc" but not "wg", and "tunl0"
// matches nothing.
func (p Prefixes) KindOf(name string) (Kind, bool) {
	type candidate struct {
		prefix string
		kind   Kind
	}
	var cands []candidate
	for _, pre := range p.WireGuard {
		cands = append(cands, candidate{pre, KindWireGuard})
	}
	for _, pre := range p.OpenVPN {
		cands = append(cands, candidate{pre, KindOpenVPN})
	}
	sort.SliceStable(cands, func(i, j int) bool { return len(cands[i].prefix) > len(cands[j].prefix) })

	for _, c := range cands {
		if c.prefix == "" || !strings.HasPrefix(name, c.prefix) || len(name) == len(c.prefix) {
			continue
		}
		next := name[len(c.prefix)]
		if (next >= '0' && next <= '9') || next == '-' || next == '_' {
			return c.kind, true
		}
	}
	return "", false
}

// validInterfaceName mirrors the kernel's IFNAMSIZ and character rules.
func validInterfaceName(name string) bool {
	if name == "" || len(name) > 15 || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if r == '/' || r == ':' || r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

// WireGuardClient is the subset of *wgctrl.Client used for health checks.
type WireGuardClient interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

type healthResult struct {
	health Health
	peer   netip.Addr
	reason string
}

func down(format string, args ...any) healthResult {
	return healthResult{health: HealthDown, reason: fmt.Sprintf(format, args...)}
}
