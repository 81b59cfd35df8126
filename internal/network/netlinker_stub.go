//go:build !linux

package network

import (
	"errors"

	"github.com/vishvananda/netlink"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
)

var errUnsupported = errors.New("netlink is not supported on this platform")

// DefaultNetlinker is the default RealNetlinker instance (stub).
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a stub implementation of Netlinker.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) { return nil, errUnsupported }
func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error)  { return nil, errUnsupported }
func (r *RealNetlinker) LinkList() ([]netlink.Link, error)            { return nil, errUnsupported }

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) RouteReplace(route *netlink.Route) error { return errUnsupported }
func (r *RealNetlinker) RouteDel(route *netlink.Route) error     { return errUnsupported }

func (r *RealNetlinker) RuleList(family int) ([]netlink.Rule, error) { return nil, errUnsupported }
func (r *RealNetlinker) RuleAdd(rule *netlink.Rule) error            { return errUnsupported }
func (r *RealNetlinker) RuleDel(rule *netlink.Rule) error            { return errUnsupported }

// PolicyRouter is a stub; policy routing needs Linux.
type PolicyRouter struct{}

// NewPolicyRouter returns a stub router.
func NewPolicyRouter(nl Netlinker, rtTablesPath string, logger *logging.Logger) *PolicyRouter {
	return &PolicyRouter{}
}

// Apply succeeds only when there is nothing to route.
func (r *PolicyRouter) Apply(m mode.Mode, p *plan.Plan, assignments map[string]state.Target, tunnels map[string]TunnelRoute) error {
	if m == mode.Standard {
		return nil
	}
	return errUnsupported
}

// DetectUplink is a stub.
func DetectUplink(nl Netlinker, exclude func(name string) bool) (string, error) {
	return "", ErrNoUplink
}
