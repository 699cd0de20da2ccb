// Copyright © 2018 The ELPS authors

// Package compile provides the source compiler facade and the module
// isolate. A Unit of Go source is compiled into a Program; a Program is
// loaded into an Isolate, a named collectible loader scope backed by a
// dedicated yaegi interpreter. Unloading an isolate releases its code and
// static state to the garbage collector.
package compile

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "stepwise/compile"

// Mode labels a compile as debug or release. Instrumented scripts compile
// at ModeDebug and synthesized expression evaluators at ModeRelease. The
// mode is recorded on the compile span only: parsing and loading are the
// same in both modes, and no optimization profile is applied.
type Mode int

const (
	ModeDebug Mode = iota
	ModeRelease
)

func (m Mode) String() string {
	if m == ModeRelease {
		return "release"
	}
	return "debug"
}

// Unit is one compilable source unit.
type Unit struct {
	Name   string
	Source string
	Mode   Mode
}

// Diagnostic is a single error-severity compiler message.
type Diagnostic struct {
	File    string
	Line    int
	Col     int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Col, d.Message)
}

// Error carries the full diagnostic list of a failed compile.
type Error struct {
	Unit        string
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	lines := make([]string, 0, len(e.Diagnostics)+1)
	lines = append(lines, fmt.Sprintf("compile %s: %d error(s)", e.Unit, len(e.Diagnostics)))
	for _, d := range e.Diagnostics {
		lines = append(lines, "\t"+d.String())
	}
	return strings.Join(lines, "\n")
}

// Program is a verified source unit ready to be loaded into an Isolate.
type Program struct {
	Unit Unit
}

// Compile parses and verifies a unit. On diagnostic errors it fails with
// an *Error listing every error, never a partial program.
func Compile(ctx context.Context, unit Unit) (*Program, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "compile")
	defer span.End()
	span.SetAttributes(
		attribute.String("unit.name", unit.Name),
		attribute.String("unit.mode", unit.Mode.String()),
	)

	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, unit.Name, unit.Source, parser.AllErrors); err != nil {
		cerr := diagnosticError(unit.Name, err)
		span.RecordError(cerr)
		return nil, cerr
	}
	return &Program{Unit: unit}, nil
}

// diagnosticError converts a parser error into an *Error carrying every
// reported diagnostic.
func diagnosticError(unit string, err error) *Error {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		diags := make([]Diagnostic, len(list))
		for i, e := range list {
			diags[i] = Diagnostic{
				File:    e.Pos.Filename,
				Line:    e.Pos.Line,
				Col:     e.Pos.Column,
				Message: e.Msg,
			}
		}
		return &Error{Unit: unit, Diagnostics: diags}
	}
	return &Error{Unit: unit, Diagnostics: []Diagnostic{{File: unit, Message: err.Error()}}}
}
