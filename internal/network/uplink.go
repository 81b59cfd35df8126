//go:build linux

package network

import (
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DetectUplink returns the interface holding the main-table default route,
// skipping loopback and anything exclude rejects (segment and tunnel links).
// Without a usable default route it falls back to the first up physical link.
func DetectUplink(nl Netlinker, exclude func(name string) bool) (string, error) {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if exclude == nil {
		exclude = func(string) bool { return false }
	}

	routes, err := nl.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return "", fmt.Errorf("list main routes: %w", err)
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Priority < routes[j].Priority })
	for _, rt := range routes {
		if !isDefaultDst(rt.Dst) || rt.Type == unix.RTN_UNREACHABLE {
			continue
		}
		indexes := []int{rt.LinkIndex}
		for _, nh := range rt.MultiPath {
			indexes = append(indexes, nh.LinkIndex)
		}
		for _, idx := range indexes {
			if idx <= 0 {
				continue
			}
			link, err := nl.LinkByIndex(idx)
			if err != nil {
				continue
			}
			attrs := link.Attrs()
			if attrs.Flags&net.FlagLoopback != 0 || exclude(attrs.Name) {
				continue
			}
			return attrs.Name, nil
		}
	}

	links, err := nl.LinkList()
	if err != nil {
		return "", fmt.Errorf("list links: %w", err)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Attrs().Index < links[j].Attrs().Index })
	for _, link := range links {
		attrs := link.Attrs()
		if link.Type() != "device" || attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		if exclude(attrs.Name) {
			continue
		}
		return attrs.Name, nil
	}
	return "", ErrNoUplink
}
