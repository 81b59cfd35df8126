//go:build linux

package network

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// FakeNetlinker is an in-memory Netlinker holding links, addresses, routes
// and rules. Mutations are recorded in Ops.
type FakeNetlinker struct {
	mu     sync.Mutex
	links  map[string]netlink.Link
	addrs  map[string][]netlink.Addr
	routes []netlink.Route
	rules  []netlink.Rule
	Ops    []string
}

// NewFakeNetlinker returns an empty fake.
func NewFakeNetlinker() *FakeNetlinker {
	return &FakeNetlinker{
		links: make(map[string]netlink.Link),
		addrs: make(map[string][]netlink.Addr),
	}
}

// AddLink registers a link. kind is "device", "wireguard" or "tuntap".
func (f *FakeNetlinker) AddLink(name string, index int, kind string, up bool) netlink.Link {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.Index = index
	attrs.OperState = netlink.OperDown
	if up {
		attrs.Flags = net.FlagUp
		attrs.OperState = netlink.OperUp
	}
	if kind == "loopback" {
		attrs.Flags |= net.FlagLoopback
	}

	var link netlink.Link
	switch kind {
	case "wireguard":
		link = &netlink.Wireguard{LinkAttrs: attrs}
	case "tuntap":
		attrs.Flags |= net.FlagPointToPoint
		link = &netlink.Tuntap{LinkAttrs: attrs, Mode: netlink.TUNTAP_MODE_TUN}
	case "dummy":
		link = &netlink.Dummy{LinkAttrs: attrs}
	default:
		link = &netlink.Device{LinkAttrs: attrs}
	}

	f.mu.Lock()
	f.links[name] = link
	f.mu.Unlock()
	return link
}

// RemoveLink deletes a link with its addresses and routes.
func (f *FakeNetlinker) RemoveLink(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[name]
	if !ok {
		return
	}
	delete(f.links, name)
	delete(f.addrs, name)
	kept := f.routes[:0]
	for _, rt := range f.routes {
		if rt.LinkIndex != link.Attrs().Index {
			kept = append(kept, rt)
		}
	}
	f.routes = kept
}

// SetAddr assigns an IPv4 address; peer is optional (point-to-point).
func (f *FakeNetlinker) SetAddr(name, cidr, peer string) {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		panic(err)
	}
	if peer != "" {
		p, err := netlink.ParseAddr(peer)
		if err != nil {
			panic(err)
		}
		addr.Peer = p.IPNet
	}
	f.mu.Lock()
	f.addrs[name] = append(f.addrs[name], *addr)
	f.mu.Unlock()
}

// ClearAddrs removes every address of a link.
func (f *FakeNetlinker) ClearAddrs(name string) {
	f.mu.Lock()
	delete(f.addrs, name)
	f.mu.Unlock()
}

// SeedRoute inserts a route without recording an op.
func (f *FakeNetlinker) SeedRoute(rt netlink.Route) {
	f.mu.Lock()
	f.routes = append(f.routes, rt)
	f.mu.Unlock()
}

// SeedRule inserts a rule without recording an op.
func (f *FakeNetlinker) SeedRule(rule netlink.Rule) {
	f.mu.Lock()
	f.rules = append(f.rules, rule)
	f.mu.Unlock()
}

// Rules returns a copy of the rule list.
func (f *FakeNetlinker) Rules() []netlink.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netlink.Rule(nil), f.rules...)
}

// TableRoutes returns the routes of one table.
func (f *FakeNetlinker) TableRoutes(table int) []netlink.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Route
	for _, rt := range f.routes {
		if routeTable(rt) == table {
			out = append(out, rt)
		}
	}
	return out
}

// ResetOps clears the mutation log.
func (f *FakeNetlinker) ResetOps() {
	f.mu.Lock()
	f.Ops = nil
	f.mu.Unlock()
}

func routeTable(rt netlink.Route) int {
	if rt.Table == 0 {
		return unix.RT_TABLE_MAIN
	}
	return rt.Table
}

func dstKey(dst *net.IPNet) string {
	if dst == nil {
		return "0.0.0.0/0"
	}
	return dst.String()
}

func sameRouteKey(a, b netlink.Route) bool {
	return routeTable(a) == routeTable(b) && dstKey(a.Dst) == dstKey(b.Dst) && a.Priority == b.Priority && a.Tos == b.Tos
}

func (f *FakeNetlinker) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if link, ok := f.links[name]; ok {
		return link, nil
	}
	return nil, netlink.LinkNotFoundError{}
}

func (f *FakeNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range f.links {
		if link.Attrs().Index == index {
			return link, nil
		}
	}
	return nil, netlink.LinkNotFoundError{}
}

func (f *FakeNetlinker) LinkList() ([]netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]netlink.Link, 0, len(f.links))
	for _, link := range f.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attrs().Index < out[j].Attrs().Index })
	return out, nil
}

func (f *FakeNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Addr
	for _, a := range f.addrs[link.Attrs().Name] {
		if family == netlink.FAMILY_V4 && a.IP.To4() == nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *FakeNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Route
	for _, rt := range f.routes {
		if routeTable(rt) != unix.RT_TABLE_MAIN {
			continue
		}
		if link != nil && rt.LinkIndex != link.Attrs().Index {
			continue
		}
		out = append(out, rt)
	}
	return out, nil
}

func (f *FakeNetlinker) RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Route
	for _, rt := range f.routes {
		if filterMask&netlink.RT_FILTER_TABLE != 0 && routeTable(rt) != routeTable(*filter) {
			continue
		}
		if filterMask&netlink.RT_FILTER_OIF != 0 && rt.LinkIndex != filter.LinkIndex {
			continue
		}
		out = append(out, rt)
	}
	return out, nil
}

func (f *FakeNetlinker) RouteReplace(route *netlink.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, fmt.Sprintf("route replace table %d %s metric %d", routeTable(*route), dstKey(route.Dst), route.Priority))
	for i, rt := range f.routes {
		if sameRouteKey(rt, *route) {
			f.routes[i] = *route
			return nil
		}
	}
	f.routes = append(f.routes, *route)
	return nil
}

func (f *FakeNetlinker) RouteDel(route *netlink.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, fmt.Sprintf("route del table %d %s metric %d", routeTable(*route), dstKey(route.Dst), route.Priority))
	for i, rt := range f.routes {
		if sameRouteKey(rt, *route) {
			f.routes = append(f.routes[:i], f.routes[i+1:]...)
			return nil
		}
	}
	return unix.ESRCH
}

func (f *FakeNetlinker) RuleList(family int) ([]netlink.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netlink.Rule(nil), f.rules...), nil
}

func (f *FakeNetlinker) RuleAdd(rule *netlink.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, fmt.Sprintf("rule add prio %d fwmark 0x%x table %d", rule.Priority, rule.Mark, rule.Table))
	f.rules = append(f.rules, *rule)
	return nil
}

func (f *FakeNetlinker) RuleDel(rule *netlink.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, fmt.Sprintf("rule del prio %d fwmark 0x%x table %d", rule.Priority, rule.Mark, rule.Table))
	for i, r := range f.rules {
		if r.Priority == rule.Priority && r.Mark == rule.Mark && r.Table == rule.Table {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return unix.ENOENT
}
