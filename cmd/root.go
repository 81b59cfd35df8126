// Package cmd implements the enclave command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/enclave/internal/brand"
	"grimm.is/enclave/internal/config"
	"grimm.is/enclave/internal/ctlplane"
	"grimm.is/enclave/internal/i18n"
)

// Printer formats human output for the process locale.
var Printer = i18n.NewCLIPrinter()

// errSilent signals a non-zero exit whose message was already printed.
var errSilent = errors.New("")

// newClient is replaced in tests.
var newClient = func(socketPath string) (ctlplane.ControlPlaneClient, error) {
	return ctlplane.NewClient(socketPath)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	socketPath string
}

// loadConfig reads the descriptor. The default path may be absent; an
// explicit one must exist.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cmd.Flags().Changed("config") {
		return config.LoadFile(g.configPath)
	}
	return config.LoadOrDefault(g.configPath)
}

func (g *globalFlags) client() (ctlplane.ControlPlaneClient, error) {
	client, err := newClient(g.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w (is `%s daemon` running?)", err, brand.BinaryName)
	}
	return client, nil
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           brand.BinaryName,
		Short:         brand.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", brand.GetConfigPath(), "Boot-time descriptor")
	root.PersistentFlags().StringVar(&g.socketPath, "socket", brand.GetSocketPath(), "Control socket path")

	root.AddCommand(
		newDaemonCommand(g),
		newStatusCommand(g),
		newAssignCommand(g),
		newConnectCommand(g),
		newDisconnectCommand(g),
		newPlanCommand(g),
		newDiffCommand(g),
		newDHCPCommand(g),
		newConfigCommand(g),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errSilent) {
			Printer.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// Main is the entry point used by package main.
func Main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}
