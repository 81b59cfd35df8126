package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grimm.is/enclave/internal/brand"
	"grimm.is/enclave/internal/config"
	"grimm.is/enclave/internal/ctlplane"
	"grimm.is/enclave/internal/dhcp"
	"grimm.is/enclave/internal/firewall"
	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/metrics"
	"grimm.is/enclave/internal/network"
	"grimm.is/enclave/internal/state"
	"grimm.is/enclave/internal/vpn"
)

func newDaemonCommand(g *globalFlags) *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the control plane",
		Long: "Detects the mode, installs the ruleset for the recorded assignments and\n" +
			"serves control requests until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, g.socketPath, modeFlag)
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Force the mode (standard|lockdown), skipping detection")
	return cmd
}

func newDaemonLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	logger := logging.New(logging.Config{Level: level, Output: os.Stderr, JSON: cfg.Log.JSON})
	logging.SetDefault(logger)
	return logger, nil
}

func runDaemon(ctx context.Context, cfg *config.Config, socketPath, modeFlag string) error {
	d, err := cfg.ParseDurations()
	if err != nil {
		return err
	}
	logger, err := newDaemonLogger(cfg)
	if err != nil {
		return err
	}

	unlock, err := state.Lock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Warn("failed to release state lock", "error", err)
		}
	}()

	decision, err := detectMode(ctx, cfg, modeFlag, logger)
	if err != nil {
		return err
	}
	logger.Info("mode decided", "mode", decision.Mode, "rule", decision.Rule, "detail", decision.Detail)

	p, err := buildPlan(cfg, decision.Mode)
	if err != nil {
		return err
	}
	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	uplink, err := resolveUplink(cfg, p, registry)
	if err != nil {
		return err
	}
	logger.Info("uplink", "interface", uplink)

	if changed, err := network.EnableForwarding(network.DefaultSystemController); err != nil {
		return fmt.Errorf("enable forwarding: %w", err)
	} else if changed {
		logger.Info("enabled IPv4 forwarding")
	}

	store, err := state.Open(cfg.StateDir, cfg.PlanSegments(), registry.Known, logger)
	if err != nil {
		return err
	}

	reg := metrics.New()
	reg.SetMode(string(decision.Mode), string(decision.Rule))

	applier := firewall.NewApplier(nil, d.ApplyTimeout, logger)
	applier.SetReadback(firewall.KernelReadback)
	applier.SetObserver(reg.RecordApply)

	opts := ctlplane.Options{
		Decision:          decision,
		Plan:              p,
		Store:             store,
		Tunnels:           registry,
		Connector:         vpn.NewConnector(registry, nil, brand.GetRunDir(), d.ConnectTimeout, logger),
		Router:            network.NewPolicyRouter(network.DefaultNetlinker, network.DefaultRTTablesPath, logger),
		Applier:           applier,
		Uplink:            uplink,
		KillSwitch:        cfg.KillSwitchEnabled(),
		AllowInterSegment: cfg.AllowInterSegment,
		HealthInterval:    d.HealthInterval,
		Metrics:           reg,
		Logger:            logger,
	}

	var leaseServer *dhcp.Server
	dhcpOpts, err := dhcpOptions(cfg)
	if err != nil {
		return err
	}
	scopes := dhcp.Scopes(p, dhcpOpts)
	switch cfg.DHCP.Mode {
	case config.DHCPModeDnsmasq:
		changed, err := dhcp.WriteDnsmasq(cfg.DHCP.Output, scopes)
		if err != nil {
			return fmt.Errorf("write dnsmasq config: %w", err)
		}
		logger.Info("dnsmasq config", "path", cfg.DHCP.Output, "changed", changed)
	case config.DHCPModeBuiltin:
		leaseServer = dhcp.NewServer(scopes, logger)
		opts.Leases = leaseServer.Leases
	}

	ctrl, err := ctlplane.New(opts)
	if err != nil {
		return err
	}
	srv, err := ctlplane.NewServer(ctrl, logger)
	if err != nil {
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return ctrl.Run(gctx) })
	eg.Go(func() error { return ctrl.RunHealth(gctx) })
	eg.Go(func() error {
		select {
		case <-ctrl.Started():
		case <-gctx.Done():
			return nil
		}
		return srv.Serve(gctx, socketPath)
	})
	eg.Go(func() error {
		w := vpn.NewWatcher(cfg.TunnelDir, vpn.DefaultDebounce, func() {
			if err := ctrl.Refresh(gctx); err != nil && !errors.Is(err, ctlplane.ErrNotRunning) {
				logger.Warn("tunnel refresh failed", "error", err)
			}
		}, logger.WithComponent("vpn"))
		return w.Run(gctx)
	})
	if cfg.Metrics.Listen != "" {
		eg.Go(func() error { return reg.Serve(gctx, cfg.Metrics.Listen, cfg.Metrics.Path, logger) })
	}
	if leaseServer != nil {
		eg.Go(func() error { return leaseServer.Run(gctx) })
	}

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped", "error", err)
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
