// Copyright © 2018 The ELPS authors

// Package dynop is the dynamic-dispatch support module referenced by
// synthesized expression evaluators. Locals arrive boxed, so the operators
// of a debug expression must resolve against runtime types; each function
// here implements one operator over boxed values using reflection.
//
// Failures panic. The evaluator recovers at its boundary and reports the
// innermost cause as an evaluation error, leaving the paused script thread
// untouched.
package dynop

import (
	"fmt"
	"reflect"

	"github.com/luthersystems/stepwise/debugrt"
)

// Arg returns the value of the i'th local in the invocation argument list.
// Generated code binds each safe identifier with a positional Arg call.
func Arg(locals []debugrt.Local, i int) any {
	if i < 0 || i >= len(locals) {
		panic(fmt.Errorf("dynop: no local at position %d", i))
	}
	return locals[i].Value
}

// number is a boxed value normalized to either int64 or float64.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func asNumber(v any) (number, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{i: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{i: int64(rv.Uint())}, true
	case reflect.Float32, reflect.Float64:
		return number{f: rv.Float(), isFloat: true}, true
	}
	return number{}, false
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func binaryNumbers(op string, a, b any) (number, number, bool) {
	na, aok := asNumber(a)
	nb, bok := asNumber(b)
	if !aok || !bok {
		return number{}, number{}, false
	}
	return na, nb, true
}

func arith(op string, a, b any, ints func(int64, int64) int64, floats func(float64, float64) float64) any {
	na, nb, ok := binaryNumbers(op, a, b)
	if !ok {
		panic(fmt.Errorf("dynop: invalid operands for %s: %T and %T", op, a, b))
	}
	if na.isFloat || nb.isFloat {
		return floats(na.float(), nb.float())
	}
	return ints(na.i, nb.i)
}

// Add implements + over numbers, and concatenation over strings.
func Add(a, b any) any {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as + bs
		}
	}
	return arith("+", a, b,
		func(x, y int64) int64 { return x + y },
		func(x, y float64) float64 { return x + y })
}

// Sub implements -.
func Sub(a, b any) any {
	return arith("-", a, b,
		func(x, y int64) int64 { return x - y },
		func(x, y float64) float64 { return x - y })
}

// Mul implements *.
func Mul(a, b any) any {
	return arith("*", a, b,
		func(x, y int64) int64 { return x * y },
		func(x, y float64) float64 { return x * y })
}

// Quo implements /. Integer division by zero panics with the runtime's
// divide-by-zero error, exactly as the expression author would expect.
func Quo(a, b any) any {
	return arith("/", a, b,
		func(x, y int64) int64 { return x / y },
		func(x, y float64) float64 { return x / y })
}

// Rem implements %. Defined for integers only.
func Rem(a, b any) any {
	na, nb, ok := binaryNumbers("%", a, b)
	if !ok || na.isFloat || nb.isFloat {
		panic(fmt.Errorf("dynop: invalid operands for %%: %T and %T", a, b))
	}
	return na.i % nb.i
}

// Neg implements unary -.
func Neg(a any) any {
	n, ok := asNumber(a)
	if !ok {
		panic(fmt.Errorf("dynop: invalid operand for unary -: %T", a))
	}
	if n.isFloat {
		return -n.f
	}
	return -n.i
}

// Not implements unary !.
func Not(a any) any {
	return !Truthy(a)
}

func compare(op string, a, b any) int {
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			}
			return 0
		}
	}
	na, nb, ok := binaryNumbers(op, a, b)
	if !ok {
		panic(fmt.Errorf("dynop: invalid operands for %s: %T and %T", op, a, b))
	}
	af, bf := na.float(), nb.float()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

// Eq implements ==. Numbers compare by value across numeric types;
// everything else falls back to deep equality.
func Eq(a, b any) any {
	if _, ok := asNumber(a); ok {
		if _, ok := asNumber(b); ok {
			return compare("==", a, b) == 0
		}
	}
	return reflect.DeepEqual(a, b)
}

// Ne implements !=.
func Ne(a, b any) any {
	return !Eq(a, b).(bool)
}

// Lt implements <.
func Lt(a, b any) any { return compare("<", a, b) < 0 }

// Le implements <=.
func Le(a, b any) any { return compare("<=", a, b) <= 0 }

// Gt implements >.
func Gt(a, b any) any { return compare(">", a, b) > 0 }

// Ge implements >=.
func Ge(a, b any) any { return compare(">=", a, b) >= 0 }

// And implements &&. Both operands are already evaluated by the time the
// call is made; debug expressions are side-effect light so the loss of
// short-circuiting is acceptable.
func And(a, b any) any { return Truthy(a) && Truthy(b) }

// Or implements ||.
func Or(a, b any) any { return Truthy(a) || Truthy(b) }

// Truthy reports whether a boxed value is considered true: booleans by
// value, numbers when non-zero, strings/containers when non-empty, nil
// never.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	if n, ok := asNumber(v); ok {
		if n.isFloat {
			return n.f != 0
		}
		return n.i != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() != 0
	case reflect.Ptr, reflect.Interface, reflect.Func:
		return !rv.IsNil()
	}
	return true
}

// Index implements x[i] over slices, arrays, strings, and maps.
func Index(x, i any) any {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		n, ok := asNumber(i)
		if !ok || n.isFloat {
			panic(fmt.Errorf("dynop: non-integer index %T", i))
		}
		if n.i < 0 || n.i >= int64(rv.Len()) {
			panic(fmt.Errorf("dynop: index out of range [%d] with length %d", n.i, rv.Len()))
		}
		return rv.Index(int(n.i)).Interface()
	case reflect.Map:
		key := reflect.ValueOf(i)
		if !key.IsValid() || !key.Type().AssignableTo(rv.Type().Key()) {
			if key.IsValid() && key.Type().ConvertibleTo(rv.Type().Key()) {
				key = key.Convert(rv.Type().Key())
			} else {
				panic(fmt.Errorf("dynop: invalid map key %T for %T", i, x))
			}
		}
		elem := rv.MapIndex(key)
		if !elem.IsValid() {
			return reflect.Zero(rv.Type().Elem()).Interface()
		}
		return elem.Interface()
	}
	panic(fmt.Errorf("dynop: cannot index %T", x))
}

// Member implements x.name: bound methods of x, struct fields (through
// pointers), methods of the pointed-to value, and string-keyed map entries,
// in that order.
func Member(x any, name string) any {
	rv := reflect.ValueOf(x)
	if !rv.IsValid() {
		panic(fmt.Errorf("dynop: member %s of nil", name))
	}
	if m := rv.MethodByName(name); m.IsValid() {
		return m.Interface()
	}
	elem := rv
	for elem.Kind() == reflect.Ptr {
		if elem.IsNil() {
			panic(fmt.Errorf("dynop: member %s of nil %T", name, x))
		}
		elem = elem.Elem()
	}
	if elem.Kind() == reflect.Struct {
		if f := elem.FieldByName(name); f.IsValid() {
			return f.Interface()
		}
		if m := elem.MethodByName(name); m.IsValid() {
			return m.Interface()
		}
	}
	if elem.Kind() == reflect.Map && elem.Type().Key().Kind() == reflect.String {
		return Index(elem.Interface(), name)
	}
	panic(fmt.Errorf("dynop: %T has no member %s", x, name))
}

// Call invokes a boxed function value. Arguments convert to the parameter
// types when needed. Functions returning nothing yield nil; multi-result
// functions yield the first result.
func Call(fn any, args ...any) any {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		panic(fmt.Errorf("dynop: cannot call %T", fn))
	}
	ft := rv.Type()
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var pt reflect.Type
		switch {
		case ft.IsVariadic() && i >= ft.NumIn()-1:
			pt = ft.In(ft.NumIn() - 1).Elem()
		case i < ft.NumIn():
			pt = ft.In(i)
		default:
			panic(fmt.Errorf("dynop: too many arguments in call (%d)", len(args)))
		}
		av := reflect.ValueOf(arg)
		switch {
		case !av.IsValid():
			av = reflect.Zero(pt)
		case !av.Type().AssignableTo(pt) && av.Type().ConvertibleTo(pt):
			av = av.Convert(pt)
		}
		in[i] = av
	}
	out := rv.Call(in)
	if len(out) == 0 {
		return nil
	}
	return out[0].Interface()
}

// Len implements the len builtin.
func Len(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len()
	}
	panic(fmt.Errorf("dynop: invalid argument %T for len", v))
}
