//go:build linux

package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func segmentOrTunnel(name string) bool {
	switch name {
	case "lan-mgmt", "lan-dev", "wg0":
		return true
	}
	return false
}

func TestDetectUplink_DefaultRoute(t *testing.T) {
	nl := NewFakeNetlinker()
	nl.AddLink("lo", 1, "loopback", true)
	nl.AddLink("lan-mgmt", 2, "device", true)
	nl.AddLink("ens3", 3, "device", true)
	nl.AddLink("wg0", 4, "wireguard", true)
	nl.SeedRoute(netlink.Route{Dst: defaultDst, LinkIndex: 4, Priority: 0})
	nl.SeedRoute(netlink.Route{Dst: defaultDst, LinkIndex: 3, Priority: 100})

	name, err := DetectUplink(nl, segmentOrTunnel)
	require.NoError(t, err)
	assert.Equal(t, "ens3", name, "tunnel default route is skipped")
}

func TestDetectUplink_FallbackFirstPhysical(t *testing.T) {
	nl := NewFakeNetlinker()
	nl.AddLink("lo", 1, "loopback", true)
	nl.AddLink("lan-mgmt", 2, "device", true)
	nl.AddLink("eth1", 3, "device", false)
	nl.AddLink("dummy0", 4, "dummy", true)
	nl.AddLink("eth0", 5, "device", true)

	name, err := DetectUplink(nl, segmentOrTunnel)
	require.NoError(t, err)
	assert.Equal(t, "eth0", name)
}

func TestDetectUplink_None(t *testing.T) {
	nl := NewFakeNetlinker()
	nl.AddLink("lo", 1, "loopback", true)
	nl.AddLink("lan-dev", 2, "device", true)

	_, err := DetectUplink(nl, segmentOrTunnel)
	assert.ErrorIs(t, err, ErrNoUplink)
}
