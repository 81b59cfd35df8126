package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"grimm.is/enclave/internal/brand"
	"grimm.is/enclave/internal/dhcp"
	"grimm.is/enclave/internal/firewall"
	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/metrics"
	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/network"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
	"grimm.is/enclave/internal/vpn"
)

// DefaultHealthInterval is how often tunnel health is polled.
const DefaultHealthInterval = 2 * time.Second

var (
	// ErrNotRunning is returned for requests made while the control loop is
	// not running.
	ErrNotRunning = errors.New("control loop is not running")
	// ErrNotEnforceable is returned for assignments the current mode cannot
	// carry out. Nothing is changed.
	ErrNotEnforceable = errors.New("target cannot be enforced in this mode")
	// ErrRollbackFailed is returned when a failed assignment could not be
	// undone. The daemon stops rather than keep an unknown ruleset.
	ErrRollbackFailed = errors.New("cannot restore previous ruleset")
)

// TunnelSource lists known tunnels with fresh health.
type TunnelSource interface {
	List(ctx context.Context) ([]vpn.Tunnel, error)
}

// TunnelConnector brings tunnels up and down.
type TunnelConnector interface {
	Connect(ctx context.Context, name string) error
	Disconnect(ctx context.Context, name string) error
}

// RouteProgrammer installs per-segment policy routing.
type RouteProgrammer interface {
	Apply(m mode.Mode, p *plan.Plan, assignments map[string]state.Target, tunnels map[string]network.TunnelRoute) error
}

// RulesetApplier installs rulesets atomically.
type RulesetApplier interface {
	Apply(ctx context.Context, rs *firewall.Ruleset) error
	Live() string
	Generation() (id string, appliedAt time.Time)
	Kernel(ctx context.Context) (string, error)
}

// Options wire a Controller to the rest of the node.
type Options struct {
	Decision mode.Decision
	Plan     *plan.Plan
	Store    *state.Store

	Tunnels   TunnelSource
	Connector TunnelConnector
	Router    RouteProgrammer
	Applier   RulesetApplier

	Uplink            string
	KillSwitch        bool
	AllowInterSegment bool
	HealthInterval    time.Duration

	// Optional.
	Metrics *metrics.Registry
	Leases  func() []dhcp.Lease
	Logger  *logging.Logger
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// Controller serializes every state change through one goroutine.
type Controller struct {
	opts     Options
	logger   *logging.Logger
	requests chan request
	started  chan struct{}
	done     chan struct{}

	// Owned by the Run goroutine.
	tunnels map[string]vpn.Tunnel
	live    *firewall.Ruleset
	lastErr error
}

// New validates opts and creates a controller. Call Run to start it.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Plan == nil:
		return nil, errors.New("controller needs an address plan")
	case opts.Store == nil:
		return nil, errors.New("controller needs an assignment store")
	case opts.Tunnels == nil:
		return nil, errors.New("controller needs a tunnel source")
	case opts.Applier == nil:
		return nil, errors.New("controller needs a ruleset applier")
	case opts.Plan.Mode != opts.Decision.Mode:
		return nil, fmt.Errorf("%w: plan built for %s, mode is %s", firewall.ErrInconsistent, opts.Plan.Mode, opts.Decision.Mode)
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		opts:     opts,
		logger:   logger.WithComponent("ctlplane"),
		requests: make(chan request),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// IsFatal reports whether err must stop the daemon.
func IsFatal(err error) bool {
	return errors.Is(err, firewall.ErrApplyHung) || errors.Is(err, state.ErrStoreFatal) || errors.Is(err, ErrRollbackFailed)
}

// Run installs the initial ruleset and then serves requests until ctx is
// cancelled or a fatal error occurs.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	if _, err := c.refreshTunnels(ctx); err != nil {
		return err
	}
	if err := c.recompute(ctx); err != nil {
		return fmt.Errorf("initial ruleset: %w", err)
	}
	c.logger.Info("control loop started", "mode", c.opts.Decision.Mode, "uplink", c.opts.Uplink)
	close(c.started)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.requests:
			err := req.fn(req.ctx)
			req.reply <- err
			if IsFatal(err) {
				c.logger.Error("fatal control plane error", "error", err)
				return err
			}
		}
	}
}

// Started is closed once the initial ruleset is live.
func (c *Controller) Started() <-chan struct{} {
	return c.started
}

// submit runs fn on the control loop and waits for its result.
func (c *Controller) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunHealth polls tunnel health until ctx is cancelled. Only transitions
// trigger a recompute.
func (c *Controller) RunHealth(ctx context.Context) error {
	select {
	case <-c.started:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := c.Refresh(ctx)
			switch {
			case err == nil:
			case IsFatal(err):
				return err
			case errors.Is(err, ErrNotRunning), ctx.Err() != nil:
				return nil
			default:
				c.logger.Warn("health recompute failed", "error", err)
			}
		}
	}
}

// Refresh re-reads tunnel health and recomputes when anything changed. It is
// the handler for health ticks and tunnel directory changes.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.submit(ctx, c.checkTunnels)
}

func (c *Controller) checkTunnels(ctx context.Context) error {
	changed, err := c.refreshTunnels(ctx)
	if err != nil || !changed {
		return err
	}
	return c.recompute(ctx)
}

// refreshTunnels replaces the health snapshot and reports whether any tunnel
// appeared, vanished or changed health.
func (c *Controller) refreshTunnels(ctx context.Context) (bool, error) {
	list, err := c.opts.Tunnels.List(ctx)
	if err != nil {
		return false, err
	}

	next := make(map[string]vpn.Tunnel, len(list))
	changed := false
	for _, t := range list {
		next[t.Name] = t
		prev, seen := c.tunnels[t.Name]
		transition := seen && prev.Up() != t.Up()
		switch {
		case !seen:
			changed = true
			c.logger.Info("tunnel discovered", "tunnel", t.Name, "interface", t.Interface, "kind", t.Kind, "health", t.Health)
		case transition:
			changed = true
			c.logger.Warn("tunnel health changed", "tunnel", t.Name, "from", prev.Health, "to", t.Health, "reason", t.Reason)
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.SetTunnelUp(t.Name, t.Up(), transition)
		}
	}
	for name := range c.tunnels {
		if _, ok := next[name]; !ok {
			changed = true
			c.logger.Info("tunnel removed", "tunnel", name)
			if c.opts.Metrics != nil {
				c.opts.Metrics.TunnelUp.DeleteLabelValues(name)
			}
		}
	}
	c.tunnels = next
	return changed, nil
}

func (c *Controller) input(assignments map[string]state.Target) firewall.Input {
	tunnels := make(map[string]firewall.TunnelState, len(c.tunnels))
	for name, t := range c.tunnels {
		tunnels[name] = firewall.TunnelState{Interface: t.Interface, Up: t.Up()}
	}
	return firewall.Input{
		Mode:              c.opts.Decision.Mode,
		Plan:              c.opts.Plan,
		Assignments:       assignments,
		Tunnels:           tunnels,
		KillSwitch:        c.opts.KillSwitch,
		AllowInterSegment: c.opts.AllowInterSegment,
		Uplink:            c.opts.Uplink,
	}
}

func (c *Controller) tunnelRoutes() map[string]network.TunnelRoute {
	routes := make(map[string]network.TunnelRoute, len(c.tunnels))
	for name, t := range c.tunnels {
		routes[name] = network.TunnelRoute{Interface: t.Interface, Up: t.Up(), Peer: t.Peer}
	}
	return routes
}

// recompute derives, checks and installs the ruleset for the current
// assignments and tunnel health, then reprograms policy routing. On failure
// the previous ruleset stays live.
func (c *Controller) recompute(ctx context.Context) error {
	assignments, err := c.opts.Store.All()
	if err != nil {
		return err
	}
	in := c.input(assignments)

	rs, err := firewall.Synthesize(in)
	if err != nil {
		return c.fail(err)
	}
	if err := firewall.Validate(rs, in); err != nil {
		return c.fail(err)
	}
	if err := c.opts.Applier.Apply(ctx, rs); err != nil {
		return c.fail(err)
	}
	c.live = rs

	if c.opts.Router != nil {
		if err := c.opts.Router.Apply(in.Mode, in.Plan, assignments, c.tunnelRoutes()); err != nil {
			return c.fail(fmt.Errorf("program policy routing: %w", err))
		}
	}
	c.lastErr = nil

	if m := c.opts.Metrics; m != nil {
		m.RecordRuleset(rs)
		for _, name := range in.Plan.Names() {
			m.SetSegmentBlocked(name, in.Action(name).Blocked)
		}
	}
	return nil
}

func (c *Controller) fail(err error) error {
	c.lastErr = err
	c.logger.Error("recompute failed, previous ruleset stays live", "error", err)
	return err
}

// Assign records a segment's target and returns once the resulting ruleset
// is live. An invalid request changes nothing. If the new ruleset or its
// routing cannot be installed the previous target and ruleset are restored.
func (c *Controller) Assign(ctx context.Context, segment, target string) (SegmentStatus, error) {
	var out SegmentStatus
	err := c.assign(ctx, segment, target, &out)
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordAssignment(err)
	}
	if err != nil {
		c.logger.Audit("assign", segment, err, "target", target)
	} else {
		c.logger.Audit("assign", segment, nil, "target", target, "effective", out.Action)
	}
	return out, err
}

func (c *Controller) assign(ctx context.Context, segment, target string, out *SegmentStatus) error {
	t, err := state.ParseTarget(target)
	if err != nil {
		return err
	}
	return c.submit(ctx, func(ctx context.Context) error {
		if err := c.opts.Store.Validate(segment, t); err != nil {
			return err
		}
		sp, _ := c.opts.Plan.Lookup(segment)
		if err := c.enforceable(sp, t); err != nil {
			return err
		}
		prev, err := c.opts.Store.Get(segment)
		if err != nil {
			return err
		}
		if err := c.opts.Store.Set(segment, t); err != nil {
			return err
		}
		if t.IsTunnel() {
			if _, err := c.refreshTunnels(ctx); err != nil {
				return err
			}
		}
		live := c.live
		if err := c.recompute(ctx); err != nil {
			if IsFatal(err) {
				return err
			}
			if rbErr := c.opts.Store.Set(segment, prev); rbErr != nil {
				c.logger.Error("cannot restore previous assignment", "segment", segment, "target", prev, "error", rbErr)
				if IsFatal(rbErr) {
					return rbErr
				}
			}
			if c.live != live {
				// The new ruleset went live before the failure.
				if rbErr := c.recompute(ctx); rbErr != nil {
					return fmt.Errorf("%w: %v (after: %v)", ErrRollbackFailed, rbErr, err)
				}
				c.lastErr = err
			}
			return err
		}

		*out = c.segmentStatus(sp, t)
		return nil
	})
}

// enforceable rejects targets the firewall would silently override: anything
// but blocked for management in lockdown, and tunnels for segments without a
// fwmark table.
func (c *Controller) enforceable(sp plan.SegmentPlan, t state.Target) error {
	m := c.opts.Decision.Mode
	switch {
	case m == mode.Lockdown && sp.Role == plan.RoleManagement && t != state.Blocked:
		return fmt.Errorf("%w: %s is isolated in %s mode", ErrNotEnforceable, sp.Name, m)
	case t.IsTunnel() && !sp.PolicyRouted(m):
		return fmt.Errorf("%w: %s has no policy routing in %s mode", ErrNotEnforceable, sp.Name, m)
	}
	return nil
}

// Connect brings a tunnel up and recomputes with its new health.
func (c *Controller) Connect(ctx context.Context, name string) error {
	if c.opts.Connector == nil {
		return errors.New("tunnel connect is not configured")
	}
	err := c.opts.Connector.Connect(ctx, name)
	return c.afterTunnelChange(ctx, "connect", name, err)
}

// Disconnect takes a tunnel down and recomputes with its new health.
func (c *Controller) Disconnect(ctx context.Context, name string) error {
	if c.opts.Connector == nil {
		return errors.New("tunnel disconnect is not configured")
	}
	err := c.opts.Connector.Disconnect(ctx, name)
	return c.afterTunnelChange(ctx, "disconnect", name, err)
}

func (c *Controller) afterTunnelChange(ctx context.Context, action, name string, err error) error {
	c.logger.Audit(action, name, err)

	// A failed connect can still leave the interface half up.
	if rerr := c.Refresh(ctx); err == nil {
		err = rerr
	}
	return err
}

// Status polls tunnel health, recomputing on transitions, and returns the
// node state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.submit(ctx, func(ctx context.Context) error {
		if err := c.checkTunnels(ctx); IsFatal(err) {
			return err
		}
		assignments, err := c.opts.Store.All()
		if err != nil {
			return err
		}
		st = c.status(assignments)
		return nil
	})
	return st, err
}

func (c *Controller) status(assignments map[string]state.Target) Status {
	st := Status{
		Version:           brand.Version,
		Mode:              string(c.opts.Decision.Mode),
		ModeRule:          string(c.opts.Decision.Rule),
		ModeDetail:        c.opts.Decision.Detail,
		Uplink:            c.opts.Uplink,
		KillSwitch:        c.opts.KillSwitch,
		AllowInterSegment: c.opts.AllowInterSegment,
	}
	if c.live != nil {
		st.RulesetDigest = c.live.Digest()
	}
	st.Generation, st.AppliedAt = c.opts.Applier.Generation()
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}

	for _, sp := range c.opts.Plan.Segments() {
		target, ok := assignments[sp.Name]
		if !ok {
			target = state.Blocked
		}
		st.Segments = append(st.Segments, c.segmentStatus(sp, target))
	}

	names := make([]string, 0, len(c.tunnels))
	for name := range c.tunnels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := c.tunnels[name]
		ts := TunnelStatus{
			Name:      t.Name,
			Interface: t.Interface,
			Kind:      string(t.Kind),
			Health:    string(t.Health),
			Reason:    t.Reason,
		}
		if t.Peer.IsValid() {
			ts.Peer = t.Peer.String()
		}
		st.Tunnels = append(st.Tunnels, ts)
	}

	if c.opts.Leases != nil {
		for _, l := range c.opts.Leases() {
			st.Leases = append(st.Leases, LeaseStatus{
				Segment:  l.Segment,
				MAC:      l.MAC,
				IP:       l.IP.String(),
				Hostname: l.Hostname,
				Expires:  l.Expires,
			})
		}
	}
	return st
}

func (c *Controller) segmentStatus(sp plan.SegmentPlan, target state.Target) SegmentStatus {
	up := false
	health := ""
	if target.IsTunnel() {
		t, ok := c.tunnels[target.Tunnel()]
		up = ok && t.Up()
		health = string(vpn.HealthDown)
		if up {
			health = string(vpn.HealthUp)
		}
	}
	action := firewall.SegmentAction(c.opts.Decision.Mode, sp, target, up, c.opts.KillSwitch)

	ss := SegmentStatus{
		Name:         sp.Name,
		Role:         string(sp.Role),
		Interface:    sp.Interface,
		Subnet:       sp.Subnet.String(),
		Gateway:      sp.Gateway.String(),
		Target:       target.String(),
		TunnelHealth: health,
		Action:       action.String(),
		Blocked:      action.Blocked,
	}
	if sp.PolicyRouted(c.opts.Decision.Mode) {
		ss.Mark = sp.Mark
		ss.Table = sp.Table
	}
	return ss
}

// Ruleset returns the live ruleset and the kernel's current listing of it.
func (c *Controller) Ruleset(ctx context.Context) (RulesetReply, error) {
	var reply RulesetReply
	err := c.submit(ctx, func(ctx context.Context) error {
		reply.Script = c.opts.Applier.Live()
		reply.Generation, reply.AppliedAt = c.opts.Applier.Generation()
		if c.live != nil {
			reply.Listing = firewall.RenderListing(c.live)
			reply.Digest = c.live.Digest()
		}
		return nil
	})
	if err != nil {
		return reply, err
	}

	kernel, err := c.opts.Applier.Kernel(ctx)
	if err != nil {
		reply.KernelError = err.Error()
	} else {
		reply.Kernel = kernel
	}
	return reply, nil
}
