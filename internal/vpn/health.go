//go:build linux

package vpn

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"

	"grimm.is/enclave/internal/network"
)

// checkHealth runs one bounded health check. A check that outlives timeout
// reports down; its late result is discarded.
func checkHealth(ctx context.Context, nl network.Netlinker, wg WireGuardClient, name string, kind Kind, timeout time.Duration) healthResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan healthResult, 1)
	go func() { done <- probeLink(nl, wg, name, kind) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return down("health check timed out after %s", timeout)
	}
}

func probeLink(nl network.Netlinker, wg WireGuardClient, name string, kind Kind) healthResult {
	link, err := nl.LinkByName(name)
	if err != nil {
		return down("link absent")
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return down("link administratively down")
	}
	if attrs.OperState == netlink.OperDown || attrs.OperState == netlink.OperLowerLayerDown {
		return down("link operationally down")
	}

	addrs, err := nl.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return down("address lookup failed: %v", err)
	}
	if len(addrs) == 0 {
		return down("no IPv4 address")
	}

	switch kind {
	case KindWireGuard:
		if wg == nil {
			return down("wireguard control unavailable")
		}
		dev, err := wg.Device(name)
		if err != nil {
			return down("wireguard device query failed: %v", err)
		}
		if len(dev.Peers) == 0 {
			return down("no wireguard peer configured")
		}
		return healthResult{health: HealthUp}

	case KindOpenVPN:
		for _, a := range addrs {
			if a.Peer != nil {
				if peer, ok := netip.AddrFromSlice(a.Peer.IP.To4()); ok {
					return healthResult{health: HealthUp, peer: peer}
				}
			}
		}
		routes, err := nl.RouteList(link, netlink.FAMILY_V4)
		if err != nil {
			return down("route lookup failed: %v", err)
		}
		if len(routes) == 0 {
			return down("no peer address or route")
		}
		for _, rt := range routes {
			if rt.Gw != nil {
				if gw, ok := netip.AddrFromSlice(rt.Gw.To4()); ok {
					return healthResult{health: HealthUp, peer: gw}
				}
			}
		}
		return healthResult{health: HealthUp}
	}
	return down("unknown tunnel kind %q", kind)
}
