package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/enclave/internal/firewall"
	"grimm.is/enclave/internal/logging"
)

// Plan output formats.
const (
	formatScript  = "script"
	formatListing = "listing"
)

func newPlanCommand(g *globalFlags) *cobra.Command {
	var (
		modeFlag string
		uplink   string
		output   string
		assumeUp []string
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Render the ruleset that would be installed, without applying it",
		Long: "Derives the ruleset from the descriptor, the recorded assignments and the\n" +
			"current tunnel health, checks it, and prints it. Nothing is applied or written.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output, formatScript, formatListing, formatJSON, formatYAML); err != nil {
				return err
			}
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			off, err := buildOfflineInput(cmd.Context(), cfg, modeFlag, uplink, assumeUp, logging.Discard())
			if err != nil {
				return err
			}
			rs, err := firewall.Synthesize(off.input)
			if err != nil {
				return err
			}
			if err := firewall.Validate(rs, off.input); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch output {
			case formatScript:
				Printer.Fprintf(cmd.ErrOrStderr(), "# %s, uplink %s, digest %s\n", off.decision, off.input.Uplink, rs.Digest())
				fmt.Fprint(w, firewall.Render(rs))
			case formatListing:
				fmt.Fprint(w, firewall.RenderListing(rs))
			default:
				return writeStructured(w, output, rs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Plan for this mode instead of detecting it (standard|lockdown)")
	cmd.Flags().StringVar(&uplink, "uplink", "", "Uplink interface (default: descriptor, then detection)")
	cmd.Flags().StringVarP(&output, "output", "o", formatScript, "Output format (script|listing|json|yaml)")
	cmd.Flags().StringSliceVar(&assumeUp, "assume-up", nil, "Treat these tunnels as healthy")
	return cmd
}
