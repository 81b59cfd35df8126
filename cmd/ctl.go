package cmd

import (
	"github.com/spf13/cobra"
)

func newStatusCommand(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mode, segments, tunnels and the live ruleset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status()
			if err != nil {
				return err
			}
			if output == formatTable {
				printStatus(cmd.OutOrStdout(), st)
				return nil
			}
			return writeStructured(cmd.OutOrStdout(), output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "Output format (table|json|yaml)")
	return cmd
}

func newAssignCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <segment> <direct|blocked|tunnel>",
		Short: "Route a segment directly, through a tunnel, or nowhere",
		Long: "Records the segment's target and returns once the new ruleset is live.\n" +
			"An unknown segment or tunnel is rejected without changing anything.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			seg, err := client.Assign(args[0], args[1])
			if err != nil {
				return err
			}
			Printer.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", seg.Name, seg.Target, seg.Action)
			return nil
		},
	}
}

func newConnectCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <tunnel>",
		Short: "Bring a tunnel up from its config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(args[0]); err != nil {
				return err
			}
			Printer.Fprintf(cmd.OutOrStdout(), "%s connected\n", args[0])
			return nil
		},
	}
}

func newDisconnectCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <tunnel>",
		Short: "Take a tunnel down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Disconnect(args[0]); err != nil {
				return err
			}
			Printer.Fprintf(cmd.OutOrStdout(), "%s disconnected\n", args[0])
			return nil
		},
	}
}
