// Copyright © 2024 The ELPS authors

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/luthersystems/stepwise/compile"
	"github.com/luthersystems/stepwise/diagnostic"
)

// renderError pretty-prints compile failures as annotated source snippets
// and passes every other error through unchanged.
func renderError(err error) error {
	var cerr *compile.Error
	if !errors.As(err, &cerr) {
		return err
	}
	r := &diagnostic.Renderer{}
	if rerr := r.RenderAll(os.Stderr, diagnostic.FromCompileError(cerr)); rerr != nil {
		return err
	}
	return fmt.Errorf("compile %s: %d error(s)", cerr.Unit, len(cerr.Diagnostics))
}
