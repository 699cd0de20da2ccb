// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luthersystems/stepwise/rewrite"
)

var (
	rewriteOut string
	rewriteMap string
)

// rewriteCmd represents the rewrite command
var rewriteCmd = &cobra.Command{
	Use:   "rewrite <file.go>",
	Short: "Instrument a Go script",
	Long: `Rewrite a Go source file so every statement is preceded by a debugger
checkpoint and every function body pushes a call frame. The checkpoint map
artifact records each checkpoint's original source position alongside the
per-method checkpoint lists.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		result, err := rewrite.Rewrite(args[0], src)
		if err != nil {
			return err
		}

		out := os.Stdout
		if rewriteOut != "" {
			f, err := os.Create(rewriteOut)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		if _, err := out.Write(result.Source); err != nil {
			return err
		}

		if rewriteMap != "" {
			f, err := os.Create(rewriteMap)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			if _, err := result.Index.WriteTo(f); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "checkpoint map written to %s\n", rewriteMap) //nolint:errcheck
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rewriteCmd)
	rewriteCmd.Flags().StringVarP(&rewriteOut, "output", "o", "", "write instrumented source to file (default stdout)")
	rewriteCmd.Flags().StringVarP(&rewriteMap, "map", "m", "", "write the checkpoint map artifact to file")
}
