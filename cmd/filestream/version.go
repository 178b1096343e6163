package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SpringsFern/TG-FileStream/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), app.Version)
	},
}
