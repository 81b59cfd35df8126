package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/enclave/internal/dhcp"
	"grimm.is/enclave/internal/logging"
)

func newDHCPCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dhcp",
		Short: "DHCP scope helpers",
	}
	cmd.AddCommand(newDHCPRenderCommand(g))
	return cmd
}

func newDHCPRenderCommand(g *globalFlags) *cobra.Command {
	var (
		modeFlag string
		write    bool
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the dnsmasq configuration for every segment scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			decision, err := detectMode(cmd.Context(), cfg, modeFlag, logging.Discard())
			if err != nil {
				return err
			}
			p, err := buildPlan(cfg, decision.Mode)
			if err != nil {
				return err
			}
			opts, err := dhcpOptions(cfg)
			if err != nil {
				return err
			}
			scopes := dhcp.Scopes(p, opts)

			if !write {
				fmt.Fprint(cmd.OutOrStdout(), dhcp.RenderDnsmasq(scopes))
				return nil
			}
			changed, err := dhcp.WriteDnsmasq(cfg.DHCP.Output, scopes)
			if err != nil {
				return err
			}
			if changed {
				Printer.Fprintf(cmd.OutOrStdout(), "wrote %s (%d scopes)\n", cfg.DHCP.Output, len(scopes))
			} else {
				Printer.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", cfg.DHCP.Output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Render for this mode instead of detecting it (standard|lockdown)")
	cmd.Flags().BoolVar(&write, "write", false, "Write to the descriptor's dhcp.output path instead of stdout")
	return cmd
}
