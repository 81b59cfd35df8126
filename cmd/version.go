package cmd

import (
	"runtime"

	"github.com/spf13/cobra"

	"grimm.is/enclave/internal/brand"
)

type versionInfo struct {
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

func newVersionCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Name:      brand.LowerName,
				Version:   brand.Version,
				GitCommit: brand.GitCommit,
				GoVersion: runtime.Version(),
			}
			if output == formatTable {
				Printer.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s)\n", info.Name, info.Version, info.GitCommit, info.GoVersion)
				return nil
			}
			if err := checkFormat(output, formatJSON, formatYAML); err != nil {
				return err
			}
			return writeStructured(cmd.OutOrStdout(), output, info)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "Output format (table|json|yaml)")
	return cmd
}
