// Copyright © 2018 The ELPS authors

package cmd

import (
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <file.go>",
	Short: "Run an instrumented script without a debugger",
	Long: `Instrument and run a Go script with no debugger host bound. Every
checkpoint call is a no-op, which exercises the contract that instrumented
modules load and run outside a debug session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, _, err := loadScript(cmd.Context(), args[0])
		if err != nil {
			return renderError(err)
		}
		return callEntry(entry)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
