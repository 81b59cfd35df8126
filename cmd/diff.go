package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
)

func newDiffCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Compare the daemon's live ruleset with the kernel's table",
		Long: "Prints a unified diff between the ruleset the daemon last applied and\n" +
			"`nft list table` as the kernel reports it. Exits 1 when they differ.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defer client.Close()

			rs, err := client.Ruleset()
			if err != nil {
				return err
			}
			if rs.KernelError != "" {
				return errors.New(rs.KernelError)
			}
			differs, err := writeDiff(cmd.OutOrStdout(), rs.Listing, rs.Kernel)
			if err != nil {
				return err
			}
			if differs {
				return errSilent
			}
			return nil
		},
	}
}

// writeDiff prints a unified diff of live against kernel, ignoring handle
// annotations and trailing whitespace.
func writeDiff(w io.Writer, live, kernel string) (bool, error) {
	a, b := normalizeListing(live), normalizeListing(kernel)
	if a == b {
		Printer.Fprintf(w, "No changes detected.\n")
		return false, nil
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "live",
		ToFile:   "kernel",
		Context:  3,
	})
	if err != nil {
		return true, fmt.Errorf("render diff: %w", err)
	}
	Printer.Fprintf(w, "Kernel table differs from the live ruleset:\n")
	fmt.Fprint(w, text)
	return true, nil
}

func normalizeListing(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if i := strings.Index(line, " # handle "); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}
