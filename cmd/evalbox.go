// Copyright © 2018 The ELPS authors

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luthersystems/stepwise/evaluator/evalbox"
)

// evalboxCmd represents the evalbox command
var evalboxCmd = &cobra.Command{
	Use:   "evalbox",
	Short: "Out-of-process expression evaluator",
	Long: `Read a synthesized expression module from standard input, bracketed by
the ---BEGIN-CODE--- and ---END-CODE--- marker lines, evaluate it in a
fresh isolate, and exit with 0 on success, 1 on empty input, 2 on a
compilation error, or 3 on a runtime error. evalbox sets no time limit of
its own; a parent process that launches it can apply an OS-level timeout
to contain runaway expressions.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(evalbox.Run(cmd.Context(), os.Stdin, os.Stdout, os.Stderr))
	},
}

func init() {
	rootCmd.AddCommand(evalboxCmd)
}
