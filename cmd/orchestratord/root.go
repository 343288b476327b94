package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// newRootCmd builds the orchestratord command tree: run, migrate, version —
// mirroring the corpus's cmd/<service> single-binary-with-subcommands shape.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Lab device-orchestration hub",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file (optional; env and defaults apply otherwise)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newVersionCmd())
	return root
}
