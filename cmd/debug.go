// Copyright © 2018 The ELPS authors

package cmd

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/luthersystems/stepwise/compile"
	"github.com/luthersystems/stepwise/debugger"
	"github.com/luthersystems/stepwise/debugger/dapserver"
	"github.com/luthersystems/stepwise/debugger/debugrepl"
	"github.com/luthersystems/stepwise/debugrt"
	"github.com/luthersystems/stepwise/evaluator"
	"github.com/luthersystems/stepwise/rewrite"
)

var (
	debugDAP       string
	debugStdio     bool
	debugEntry     string
	debugCacheSize int
)

// debugCmd represents the debug command
var debugCmd = &cobra.Command{
	Use:   "debug <file.go>",
	Short: "Debug a Go script",
	Long: `Instrument a Go script, load it into a module isolate, and run it under
the debugger. By default the terminal REPL drives the session; with --dap
or --stdio the same engine is served over the Debug Adapter Protocol so an
editor can drive it instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entry, index, err := loadScript(ctx, args[0])
		if err != nil {
			return renderError(err)
		}

		engine := debugger.New(index)
		debugrt.SetHost(engine)
		defer debugrt.ResetHost()

		cache := evaluator.NewCache(debugCacheSize)
		defer cache.Close()

		script := func() error { return callEntry(entry) }

		if debugDAP != "" || debugStdio {
			server := dapserver.New(engine, cache)
			errCh := make(chan error, 1)
			go func() {
				err := script()
				exitCode := 0
				if err != nil {
					exitCode = 1
				}
				engine.NotifyExit(exitCode)
				errCh <- err
			}()
			if debugStdio {
				err = server.ServeStdio(os.Stdin, os.Stdout)
			} else {
				err = server.ServeTCP(debugDAP)
			}
			if err != nil {
				return err
			}
			return <-errCh
		}

		session := debugrepl.New(engine, cache, script)
		return session.Run()
	},
}

// loadScript rewrites, compiles, and loads a script, returning its
// entrypoint handle and checkpoint index.
func loadScript(ctx context.Context, path string) (reflect.Value, *rewrite.Index, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	result, err := rewrite.Rewrite(path, src)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	prog, err := compile.Compile(ctx, compile.Unit{
		Name:   path,
		Source: string(result.Source),
		Mode:   compile.ModeDebug,
	})
	if err != nil {
		return reflect.Value{}, nil, err
	}
	iso, err := compile.NewIsolate("script")
	if err != nil {
		return reflect.Value{}, nil, err
	}
	if err := iso.Load(ctx, prog); err != nil {
		return reflect.Value{}, nil, err
	}
	entry, err := iso.Entry(debugEntry)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return entry, result.Index, nil
}

// callEntry invokes the script entrypoint, mapping a panic to an error so
// a crashing script takes down only its own goroutine.
func callEntry(entry reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	entry.Call(nil)
	return nil
}

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.Flags().StringVar(&debugDAP, "dap", "", "serve DAP on a TCP address (e.g. :4711) instead of the REPL")
	debugCmd.Flags().BoolVar(&debugStdio, "stdio", false, "serve DAP on stdin/stdout instead of the REPL")
	debugCmd.Flags().StringVar(&debugEntry, "entry", "main.main", "script entrypoint symbol")
	debugCmd.Flags().IntVar(&debugCacheSize, "eval-cache", evaluator.DefaultCapacity, "expression evaluator cache capacity")
}
