// Copyright © 2018 The ELPS authors

// Package evaluator compiles and runs debug expressions against a paused
// frame's locals. Each distinct (expression, locals-signature) pair is
// compiled once into a dedicated module isolate and cached; the cache is a
// bounded LRU whose evicted entries release their compiled code by
// unloading the isolate.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/luthersystems/stepwise/compile"
	"github.com/luthersystems/stepwise/debugrt"
)

const tracerName = "stepwise/evaluator"

// DefaultCapacity bounds the cache when no explicit capacity is given.
const DefaultCapacity = 64

// entry is one cached compiled expression.
type entry struct {
	call    reflect.Value
	isolate *compile.Isolate
}

// Cache is the compile-through LRU of expression evaluators. A single
// mutex protects the map and the recency list; compilation happens under
// the lock so at most one compile runs per process, while expression
// execution always runs outside it.
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache
	nextIso int

	// onEvict observes isolate release, for tests.
	onEvict func(key string, iso *compile.Isolate)
}

// NewCache creates a cache bounded to capacity entries. A capacity of zero
// or less uses DefaultCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{}
	c.lru = lru.New(capacity)
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		ent := value.(*entry)
		ent.call = reflect.Value{}
		ent.isolate.Unload()
		if c.onEvict != nil {
			c.onEvict(key.(string), ent.isolate)
		}
	}
	return c
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Key returns the cache key for an expression and a locals signature. Two
// invocations with the same expression and the same ordered name list hit
// the same entry regardless of the concrete values.
func Key(expr string, names []string) string {
	return expr + "|" + strings.Join(names, ",")
}

func localNames(locals []debugrt.Local) []string {
	names := make([]string, len(locals))
	for i, l := range locals {
		names[i] = l.Name
	}
	return names
}

// Eval evaluates an expression against the ordered locals of a paused
// frame. The compiled evaluator is cached by (expression, signature); a
// runtime fault inside the expression is returned as an error with its
// innermost cause, never propagated to the caller.
func (c *Cache) Eval(ctx context.Context, expr string, locals []debugrt.Local) (any, error) {
	names := localNames(locals)
	ent, err := c.lookup(ctx, expr, names)
	if err != nil {
		return nil, err
	}
	return invoke(ent.call, locals)
}

// lookup returns the cached entry for the key, compiling and loading a
// fresh isolate on a miss. Eviction of the tail entries happens inside the
// LRU when the insert pushes the size past capacity.
func (c *Cache) lookup(ctx context.Context, expr string, names []string) (*entry, error) {
	key := Key(expr, names)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Get(key); ok {
		return v.(*entry), nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "compile-expression")
	defer span.End()
	span.SetAttributes(attribute.String("expr", expr))

	source, err := Synthesize(expr, names)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	prog, err := compile.Compile(ctx, exprUnit(source))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	c.nextIso++
	iso, err := compile.NewIsolate(fmt.Sprintf("dbgexpr-%d", c.nextIso))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := iso.Load(ctx, prog); err != nil {
		iso.Unload()
		span.RecordError(err)
		return nil, err
	}
	call, err := iso.Entry(entryPackage + "." + entryFunc)
	if err != nil {
		iso.Unload()
		span.RecordError(err)
		return nil, err
	}
	ent := &entry{call: call, isolate: iso}
	c.lru.Add(key, ent)
	return ent, nil
}

// invoke calls a compiled evaluator outside the cache lock. Panics raised
// by the expression (or by dynop dispatch) are recovered and unwrapped to
// their innermost cause.
func invoke(call reflect.Value, locals []debugrt.Local) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = innermost(r)
		}
	}()
	out := call.Call([]reflect.Value{reflect.ValueOf(locals)})
	if len(out) == 0 {
		return nil, nil
	}
	v := out[0]
	if !v.IsValid() || (v.Kind() == reflect.Interface && v.IsNil()) {
		return nil, nil
	}
	return v.Interface(), nil
}

// innermost converts a recovered panic value to an error carrying its
// innermost cause, unwrapping nested invocation-target wrappers.
func innermost(r any) error {
	err, ok := r.(error)
	if !ok {
		return fmt.Errorf("%v", r)
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Close evicts every entry, releasing all isolates. Used on process
// shutdown; the cache remains usable afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
}
