//go:build linux

package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
)

// UnreachableMetric keeps the unreachable default below any real route.
const UnreachableMetric = 0x7fffffff

// PolicyRouter programs per-segment fwmark rules and routing tables.
type PolicyRouter struct {
	nl           Netlinker
	rtTablesPath string
	logger       *logging.Logger
}

// NewPolicyRouter creates a policy router. An empty rtTablesPath disables
// the persistent table names.
func NewPolicyRouter(nl Netlinker, rtTablesPath string, logger *logging.Logger) *PolicyRouter {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if logger == nil {
		logger = logging.WithComponent("routing")
	}
	return &PolicyRouter{nl: nl, rtTablesPath: rtTablesPath, logger: logger}
}

var defaultDst = &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}

// Apply reconciles kernel rules and tables with the current assignments.
//
// Only tunnel targets of policy-routed segments get a rule. Their table holds
// an unreachable default plus, while the tunnel is up, a default route out
// the tunnel. Everything else enclave-owned is removed.
func (r *PolicyRouter) Apply(m mode.Mode, p *plan.Plan, assignments map[string]state.Target, tunnels map[string]TunnelRoute) error {
	routed := p.PolicyRouted()

	if err := r.writeTableNames(routed); err != nil {
		r.logger.Warn("failed to write routing table names", "path", r.rtTablesPath, "error", err)
	}

	wanted := make(map[int]plan.SegmentPlan)
	for _, seg := range routed {
		if assignments[seg.Name].IsTunnel() {
			wanted[seg.RulePriority] = seg
		}
	}

	var errs []error
	if err := r.reconcileRules(wanted); err != nil {
		errs = append(errs, err)
	}

	for _, seg := range p.Segments() {
		if _, ok := wanted[seg.RulePriority]; !ok {
			if err := r.flushTable(seg.Table); err != nil {
				errs = append(errs, fmt.Errorf("flush table %d (%s): %w", seg.Table, seg.Name, err))
			}
			continue
		}
		name := assignments[seg.Name].Tunnel()
		if err := r.programTable(seg, tunnels[name]); err != nil {
			errs = append(errs, fmt.Errorf("program table %d (%s via %s): %w", seg.Table, seg.Name, name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.logger.Debug("policy routing applied", "mode", m, "rules", len(wanted))
	return nil
}

func isEnclaveRule(rule netlink.Rule) bool {
	lo, hi := plan.TableBase+plan.MinIndex, plan.TableBase+plan.MaxIndex
	plo, phi := plan.RulePriorityBase+plan.MinIndex, plan.RulePriorityBase+plan.MaxIndex
	return rule.Table >= lo && rule.Table <= hi &&
		rule.Priority >= plo && rule.Priority <= phi &&
		RoutingMark(rule.Mark).Category() == MarkCategorySegment
}

func (r *PolicyRouter) reconcileRules(wanted map[int]plan.SegmentPlan) error {
	rules, err := r.nl.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	present := make(map[int]bool)
	var errs []error
	for i := range rules {
		rule := rules[i]
		if !isEnclaveRule(rule) {
			continue
		}
		seg, ok := wanted[rule.Priority]
		if ok && rule.Mark == seg.Mark && rule.Table == seg.Table && !present[rule.Priority] {
			present[rule.Priority] = true
			continue
		}
		if err := r.nl.RuleDel(&rule); err != nil {
			errs = append(errs, fmt.Errorf("delete rule prio %d: %w", rule.Priority, err))
			continue
		}
		r.logger.Info("removed policy rule", "priority", rule.Priority, "table", rule.Table)
	}

	prios := make([]int, 0, len(wanted))
	for prio := range wanted {
		prios = append(prios, prio)
	}
	sort.Ints(prios)
	for _, prio := range prios {
		if present[prio] {
			continue
		}
		seg := wanted[prio]
		if err := r.nl.RuleAdd(segmentRule(seg)); err != nil {
			errs = append(errs, fmt.Errorf("add rule for %s: %w", seg.Name, err))
			continue
		}
		r.logger.Info("added policy rule", "segment", seg.Name, "mark", RoutingMark(seg.Mark), "table", seg.Table, "priority", seg.RulePriority)
	}
	return errors.Join(errs...)
}

func segmentRule(seg plan.SegmentPlan) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = netlink.FAMILY_V4
	rule.Priority = seg.RulePriority
	rule.Table = seg.Table
	rule.Mark = seg.Mark
	mask := uint32(MarkMaskFull)
	rule.Mask = &mask
	return rule
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}

func (r *PolicyRouter) tableRoutes(table int) ([]netlink.Route, error) {
	return r.nl.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
}

func (r *PolicyRouter) flushTable(table int) error {
	routes, err := r.tableRoutes(table)
	if err != nil {
		return err
	}
	for i := range routes {
		if err := r.nl.RouteDel(&routes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *PolicyRouter) programTable(seg plan.SegmentPlan, tun TunnelRoute) error {
	routes, err := r.tableRoutes(seg.Table)
	if err != nil {
		return err
	}

	var want *netlink.Route
	if tun.Up && tun.Interface != "" {
		link, err := r.nl.LinkByName(tun.Interface)
		if err != nil {
			r.logger.Warn("tunnel link vanished", "segment", seg.Name, "interface", tun.Interface, "error", err)
		} else {
			want = &netlink.Route{
				Table:     seg.Table,
				Dst:       defaultDst,
				LinkIndex: link.Attrs().Index,
				Scope:     netlink.SCOPE_LINK,
			}
			if tun.Peer.IsValid() && tun.Peer.Is4() {
				want.Gw = net.IP(tun.Peer.AsSlice())
				want.Scope = netlink.SCOPE_UNIVERSE
			}
		}
	}

	haveUnreachable, haveWant := false, false
	for i := range routes {
		rt := routes[i]
		if !isDefaultDst(rt.Dst) {
			if err := r.nl.RouteDel(&rt); err != nil {
				return err
			}
			continue
		}
		if rt.Type == unix.RTN_UNREACHABLE && rt.Priority == UnreachableMetric && !haveUnreachable {
			haveUnreachable = true
			continue
		}
		if want != nil && !haveWant && rt.Type != unix.RTN_UNREACHABLE &&
			rt.LinkIndex == want.LinkIndex && rt.Priority == 0 && rt.Gw.Equal(want.Gw) {
			haveWant = true
			continue
		}
		if err := r.nl.RouteDel(&rt); err != nil {
			return err
		}
	}

	if !haveUnreachable {
		if err := r.nl.RouteReplace(&netlink.Route{
			Table:    seg.Table,
			Dst:      defaultDst,
			Type:     unix.RTN_UNREACHABLE,
			Priority: UnreachableMetric,
		}); err != nil {
			return fmt.Errorf("unreachable default: %w", err)
		}
	}
	if want != nil && !haveWant {
		if err := r.nl.RouteReplace(want); err != nil {
			return fmt.Errorf("default via %s: %w", tun.Interface, err)
		}
		r.logger.Info("routing segment through tunnel", "segment", seg.Name, "tunnel", tun.Interface, "table", seg.Table)
	}
	return nil
}

// writeTableNames keeps the iproute2 name file in sync; it only writes when
// the content changes.
func (r *PolicyRouter) writeTableNames(routed []plan.SegmentPlan) error {
	if r.rtTablesPath == "" {
		return nil
	}
	if len(routed) == 0 {
		err := os.Remove(r.rtTablesPath)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	var b strings.Builder
	b.WriteString("# Managed by enclave. Do not edit.\n")
	for _, seg := range routed {
		fmt.Fprintf(&b, "%d\t%s\n", seg.Table, seg.TableName)
	}
	content := b.String()

	if cur, err := os.ReadFile(r.rtTablesPath); err == nil && string(cur) == content {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.rtTablesPath), 0755); err != nil {
		return err
	}
	tmp := r.rtTablesPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.rtTablesPath)
}
