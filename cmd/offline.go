package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"

	"grimm.is/enclave/internal/config"
	"grimm.is/enclave/internal/dhcp"
	"grimm.is/enclave/internal/firewall"
	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/mode"
	"grimm.is/enclave/internal/network"
	"grimm.is/enclave/internal/plan"
	"grimm.is/enclave/internal/state"
	"grimm.is/enclave/internal/vpn"
)

// detectMode resolves the mode for a command. An explicit flag wins over
// the descriptor and detection.
func detectMode(ctx context.Context, cfg *config.Config, flag string, logger *logging.Logger) (mode.Decision, error) {
	if flag != "" {
		m, ok, err := mode.Parse(flag)
		if err != nil {
			return mode.Decision{}, err
		}
		if ok {
			return mode.Decision{Mode: m, Rule: mode.RuleOverride, Detail: "--mode"}, nil
		}
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		return mode.Decision{}, err
	}
	return mode.Detect(ctx, mode.Sources{
		Override:       cfg.Mode,
		IdentityFile:   cfg.Detection.IdentityFile,
		Hostname:       os.Hostname,
		ProbeAddress:   cfg.Detection.ProbeAddress,
		ProbeInterface: cfg.ProbeInterface(),
		ProbeTimeout:   d.ProbeTimeout,
		Prober:         mode.PingProber{Privileged: cfg.Detection.ProbePrivileged},
		Logger:         logger.WithComponent("mode"),
	}), nil
}

func buildPlan(cfg *config.Config, m mode.Mode) (*plan.Plan, error) {
	bases, err := cfg.Bases()
	if err != nil {
		return nil, err
	}
	return plan.Build(m, cfg.PlanSegments(), bases)
}

func newRegistry(cfg *config.Config, logger *logging.Logger) (*vpn.Registry, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}
	return vpn.NewRegistry(vpn.RegistryConfig{
		Dir: cfg.TunnelDir,
		Prefixes: vpn.Prefixes{
			WireGuard: cfg.Tunnels.WireGuardPrefixes,
			OpenVPN:   cfg.Tunnels.OpenVPNPrefixes,
		},
		HealthTimeout: d.HealthTimeout,
		Netlinker:     network.DefaultNetlinker,
		Logger:        logger.WithComponent("vpn"),
	}), nil
}

// resolveUplink prefers the descriptor and otherwise detects the interface
// holding the default route, skipping segment and tunnel links.
func resolveUplink(cfg *config.Config, p *plan.Plan, registry *vpn.Registry) (string, error) {
	if cfg.Uplink != "" {
		return cfg.Uplink, nil
	}
	segmentLinks := make(map[string]bool)
	for _, s := range p.Segments() {
		segmentLinks[s.Interface] = true
	}
	return network.DetectUplink(network.DefaultNetlinker, func(name string) bool {
		return segmentLinks[name] || registry.IsTunnelInterface(name)
	})
}

func dhcpOptions(cfg *config.Config) (dhcp.Options, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return dhcp.Options{}, err
	}
	opts := dhcp.Options{LeaseTime: d.LeaseTime, Domain: cfg.DHCP.Domain}
	for _, s := range cfg.DHCP.DNS {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return opts, fmt.Errorf("dhcp.dns: %w", err)
		}
		opts.DNS = append(opts.DNS, addr)
	}
	return opts, nil
}

// offlineInput assembles what the daemon would synthesize from, without
// touching the daemon or writing state.
type offlineInput struct {
	decision mode.Decision
	input    firewall.Input
}

func buildOfflineInput(ctx context.Context, cfg *config.Config, modeFlag, uplinkFlag string, assumeUp []string, logger *logging.Logger) (*offlineInput, error) {
	decision, err := detectMode(ctx, cfg, modeFlag, logger)
	if err != nil {
		return nil, err
	}
	p, err := buildPlan(cfg, decision.Mode)
	if err != nil {
		return nil, err
	}
	assignments, err := state.Snapshot(cfg.StateDir, cfg.PlanSegments())
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer registry.Close()

	tunnels := make(map[string]firewall.TunnelState)
	list, err := registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		tunnels[t.Name] = firewall.TunnelState{Interface: t.Interface, Up: t.Up()}
	}
	for _, name := range assumeUp {
		ts := tunnels[name]
		if ts.Interface == "" {
			ts.Interface = name
		}
		ts.Up = true
		tunnels[name] = ts
	}

	uplink := uplinkFlag
	if uplink == "" {
		if uplink, err = resolveUplink(cfg, p, registry); err != nil {
			return nil, err
		}
	}

	return &offlineInput{
		decision: decision,
		input: firewall.Input{
			Mode:              decision.Mode,
			Plan:              p,
			Assignments:       assignments,
			Tunnels:           tunnels,
			KillSwitch:        cfg.KillSwitchEnabled(),
			AllowInterSegment: cfg.AllowInterSegment,
			Uplink:            uplink,
		},
	}, nil
}
