// Copyright © 2018 The ELPS authors

package compile

import (
	"context"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/luthersystems/stepwise/debugrt"
	"github.com/luthersystems/stepwise/evaluator/dynop"
)

// hostSymbols exposes the injected runtime API and the dynamic-dispatch
// support module inside isolates, so instrumented scripts and synthesized
// evaluators import them by their real paths and resolve to the host's
// process-wide implementations.
func hostSymbols() interp.Exports {
	return interp.Exports{
		"github.com/luthersystems/stepwise/debugrt/debugrt": {
			"PushFrame":  reflect.ValueOf(debugrt.PushFrame),
			"PopFrame":   reflect.ValueOf(debugrt.PopFrame),
			"Checkpoint": reflect.ValueOf(debugrt.Checkpoint),
			"MakeLocals": reflect.ValueOf(debugrt.MakeLocals),

			"Local":          reflect.ValueOf((*debugrt.Local)(nil)),
			"LocalsProvider": reflect.ValueOf((*debugrt.LocalsProvider)(nil)),
		},
		"github.com/luthersystems/stepwise/evaluator/dynop/dynop": {
			"Arg":    reflect.ValueOf(dynop.Arg),
			"Add":    reflect.ValueOf(dynop.Add),
			"Sub":    reflect.ValueOf(dynop.Sub),
			"Mul":    reflect.ValueOf(dynop.Mul),
			"Quo":    reflect.ValueOf(dynop.Quo),
			"Rem":    reflect.ValueOf(dynop.Rem),
			"Neg":    reflect.ValueOf(dynop.Neg),
			"Not":    reflect.ValueOf(dynop.Not),
			"Eq":     reflect.ValueOf(dynop.Eq),
			"Ne":     reflect.ValueOf(dynop.Ne),
			"Lt":     reflect.ValueOf(dynop.Lt),
			"Le":     reflect.ValueOf(dynop.Le),
			"Gt":     reflect.ValueOf(dynop.Gt),
			"Ge":     reflect.ValueOf(dynop.Ge),
			"And":    reflect.ValueOf(dynop.And),
			"Or":     reflect.ValueOf(dynop.Or),
			"Index":  reflect.ValueOf(dynop.Index),
			"Member": reflect.ValueOf(dynop.Member),
			"Call":   reflect.ValueOf(dynop.Call),
			"Len":    reflect.ValueOf(dynop.Len),
			"Truthy": reflect.ValueOf(dynop.Truthy),
		},
	}
}

// otelSpan starts a span for an isolate operation.
func otelSpan(ctx context.Context, op, isolate, unit string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, op)
	span.SetAttributes(
		attribute.String("isolate", isolate),
		attribute.String("unit.name", unit),
	)
	return ctx, span
}
