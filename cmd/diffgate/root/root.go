package root

import (
	"github.com/flarebyte/diffgate/cmd/diffgate/diagnose"
	"github.com/flarebyte/diffgate/cmd/diffgate/history"
	"github.com/flarebyte/diffgate/cmd/diffgate/run"
	"github.com/flarebyte/diffgate/cmd/diffgate/version"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for diffgate.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diffgate",
		Short: "CLI: Diff-scoped lint, strict type checking and containerized tests as one CI gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Show help when no subcommand is provided.
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Subcommands
	cmd.AddCommand(version.VersionCmd)
	cmd.AddCommand(run.Cmd)
	cmd.AddCommand(diagnose.Cmd)
	cmd.AddCommand(history.Cmd)

	return cmd
}

// Execute runs the root command with provided args.
func Execute(args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}
