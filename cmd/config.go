package cmd

import (
	"github.com/spf13/cobra"

	"grimm.is/enclave/internal/config"
	"grimm.is/enclave/internal/mode"
)

func newConfigCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the boot-time descriptor",
	}
	cmd.AddCommand(newConfigInitCommand(g), newConfigCheckCommand(g))
	return cmd
}

func newConfigInitCommand(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a descriptor with every default spelled out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(g.configPath, force); err != nil {
				return err
			}
			Printer.Fprintf(cmd.OutOrStdout(), "wrote %s\n", g.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing descriptor")
	return cmd
}

func newConfigCheckCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a descriptor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			if _, err := cfg.ParseDurations(); err != nil {
				return err
			}
			if _, err := buildPlan(cfg, mode.Standard); err != nil {
				return err
			}
			if _, err := buildPlan(cfg, mode.Lockdown); err != nil {
				return err
			}
			if _, err := dhcpOptions(cfg); err != nil {
				return err
			}
			Printer.Fprintf(cmd.OutOrStdout(), "%s: OK (%d segments)\n", path, len(cfg.Segments))
			return nil
		},
	}
}
