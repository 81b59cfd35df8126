//go:build linux

package network

import (
	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the default RealNetlinker instance.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a concrete implementation of Netlinker that uses the actual netlink package.
type RealNetlinker struct{}

// LinkByName retrieves a link by name.
func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// LinkByIndex retrieves a link by index.
func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return netlink.LinkByIndex(index)
}

// LinkList retrieves all links.
func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

// AddrList retrieves a list of addresses for a link.
func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// RouteList retrieves a list of routes.
func (r *RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}

// RouteListFiltered retrieves routes matching filter.
func (r *RealNetlinker) RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error) {
	return netlink.RouteListFiltered(family, filter, filterMask)
}

// RouteReplace adds or replaces a route.
func (r *RealNetlinker) RouteReplace(route *netlink.Route) error {
	return netlink.RouteReplace(route)
}

// RouteDel deletes a route.
func (r *RealNetlinker) RouteDel(route *netlink.Route) error {
	return netlink.RouteDel(route)
}

// RuleList lists rules.
func (r *RealNetlinker) RuleList(family int) ([]netlink.Rule, error) {
	return netlink.RuleList(family)
}

// RuleAdd adds a rule.
func (r *RealNetlinker) RuleAdd(rule *netlink.Rule) error {
	return netlink.RuleAdd(rule)
}

// RuleDel deletes a rule.
func (r *RealNetlinker) RuleDel(rule *netlink.Rule) error {
	return netlink.RuleDel(rule)
}
