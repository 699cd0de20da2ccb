// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var (
	cfgFile   string
	verbosity int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "stepwise — source-level debugger for Go scripts",
	Long: `stepwise rewrites a Go script to embed tracing checkpoints at every
statement boundary, loads the instrumented module in-process, and runs it
under an interactive debugger with line-granularity breakpoints, stepping,
and on-the-fly expression evaluation against the paused frame's locals.

Getting started:
  stepwise debug script.go     Debug a script under the terminal REPL
  stepwise debug --dap :4711 script.go
                               Serve the same session over DAP (editors)
  stepwise rewrite script.go   Print the instrumented source
  stepwise run script.go       Run the instrumented script, no debugger
  stepwise evalbox             Out-of-process expression evaluator

More information:
  Source code:     https://github.com/luthersystems/stepwise`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		commonlog.Configure(verbosity, nil)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stepwise.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".stepwise" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".stepwise")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
