package network

import (
	"errors"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// DefaultRTTablesPath names the enclave routing tables for iproute2.
const DefaultRTTablesPath = "/etc/iproute2/rt_tables.d/enclave.conf"

// ErrNoUplink is returned when no candidate uplink interface exists.
var ErrNoUplink = errors.New("no uplink interface found")

// TunnelRoute is the routing view of a tunnel.
type TunnelRoute struct {
	Interface string
	Up        bool
	// Peer is the next hop inside the tunnel, when the tunnel has one.
	Peer netip.Addr
}

// Netlinker is the slice of netlink the routing node uses: link lookup for
// uplink and tunnel discovery, addresses and routes for tunnel health, and
// rules plus table routes for policy routing.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)

	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error

	RuleList(family int) ([]netlink.Rule, error)
	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
}

// SystemController reads and writes sysctls. Only IPv4 forwarding is
// touched.
type SystemController interface {
	ReadSysctl(path string) (string, error)
	WriteSysctl(path, value string) error
	IsNotExist(err error) bool
}
