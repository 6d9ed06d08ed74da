package objfile

import (
	"fmt"
	"io"
	"strings"
)

// NativeFunc is a host function callable from loaded code.
type NativeFunc func(args []Value) (Value, error)

// Builtin describes one host function of the core namespace.
type Builtin struct {
	Name  string
	Arity int
	Fn    NativeFunc
}

// CoreNamespace is the namespace every builtin lives in.
const CoreNamespace = "core"

// Builtins returns the core namespace implementation. println writes to out.
func Builtins(out io.Writer) []Builtin {
	return []Builtin{
		{"core/+", -1, arith("+", 0, addInt, addFloat)},
		{"core/-", -1, minus},
		{"core/*", -1, arith("*", 1, mulInt, mulFloat)},
		{"core//", -1, divide},
		{"core/mod", 2, mod},
		{"core/inc", 1, func(a []Value) (Value, error) { return minus([]Value{a[0], int64(-1)}) }},
		{"core/dec", 1, func(a []Value) (Value, error) { return minus([]Value{a[0], int64(1)}) }},
		{"core/=", -1, equals},
		{"core/<", -1, compare("<", func(c int) bool { return c < 0 })},
		{"core/>", -1, compare(">", func(c int) bool { return c > 0 })},
		{"core/<=", -1, compare("<=", func(c int) bool { return c <= 0 })},
		{"core/>=", -1, compare(">=", func(c int) bool { return c >= 0 })},
		{"core/not", 1, func(a []Value) (Value, error) { return !Truthy(a[0]), nil }},
		{"core/nil?", 1, func(a []Value) (Value, error) { return a[0] == nil, nil }},
		{"core/str", -1, func(a []Value) (Value, error) { return joinDisplay(a, ""), nil }},
		{"core/println", -1, func(a []Value) (Value, error) {
			if out != nil {
				if _, err := fmt.Fprintln(out, joinDisplay(a, " ")); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}},
	}
}

func joinDisplay(args []Value, sep string) string {
	parts := make([]string, len(args))
	for i, v := range args {
		parts[i] = display(v)
	}
	return strings.Join(parts, sep)
}

func addInt(a, b int64) int64       { return a + b }
func addFloat(a, b float64) float64 { return a + b }
func mulInt(a, b int64) int64       { return a * b }
func mulFloat(a, b float64) float64 { return a * b }

func arith(name string, identity int64, fi func(a, b int64) int64, ff func(a, b float64) float64) NativeFunc {
	return func(args []Value) (Value, error) {
		var acc Value = identity
		for _, arg := range args {
			next, err := combine(name, acc, arg, fi, ff)
			if err != nil {
				return nil, err
			}
			acc = next
		}
		return acc, nil
	}
}

func combine(name string, a, b Value, fi func(a, b int64) int64, ff func(a, b float64) float64) (Value, error) {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return fi(ai, bi), nil
	}
	af, ok := toFloat(a)
	if !ok {
		return nil, fmt.Errorf("%s: cannot use %s as a number", name, typeName(a))
	}
	bf, ok := toFloat(b)
	if !ok {
		return nil, fmt.Errorf("%s: cannot use %s as a number", name, typeName(b))
	}
	return ff(af, bf), nil
}

func minus(args []Value) (Value, error) {
	sub := func(a, b int64) int64 { return a - b }
	subf := func(a, b float64) float64 { return a - b }
	switch len(args) {
	case 0:
		return nil, fmt.Errorf("-: wrong number of args (0)")
	case 1:
		return combine("-", int64(0), args[0], sub, subf)
	}
	acc := args[0]
	if _, ok := toFloat(acc); !ok {
		return nil, fmt.Errorf("-: cannot use %s as a number", typeName(acc))
	}
	for _, arg := range args[1:] {
		next, err := combine("-", acc, arg, sub, subf)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

// divide keeps integer results when the division is exact.
func divide(args []Value) (Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("/: wrong number of args (0)")
	}
	if len(args) == 1 {
		args = []Value{int64(1), args[0]}
	}
	acc := args[0]
	for _, arg := range args[1:] {
		ai, aInt := acc.(int64)
		bi, bInt := arg.(int64)
		if aInt && bInt {
			if bi == 0 {
				return nil, fmt.Errorf("Divide by zero")
			}
			if ai%bi == 0 {
				acc = ai / bi
				continue
			}
		}
		af, ok := toFloat(acc)
		if !ok {
			return nil, fmt.Errorf("/: cannot use %s as a number", typeName(acc))
		}
		bf, ok := toFloat(arg)
		if !ok {
			return nil, fmt.Errorf("/: cannot use %s as a number", typeName(arg))
		}
		if bf == 0 && bInt {
			return nil, fmt.Errorf("Divide by zero")
		}
		acc = af / bf
	}
	return acc, nil
}

func mod(args []Value) (Value, error) {
	a, aok := args[0].(int64)
	b, bok := args[1].(int64)
	if !aok || !bok {
		return nil, fmt.Errorf("mod: integer arguments required")
	}
	if b == 0 {
		return nil, fmt.Errorf("Divide by zero")
	}
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m, nil
}

func equals(args []Value) (Value, error) {
	for i := 1; i < len(args); i++ {
		if !Equal(args[i-1], args[i]) {
			return false, nil
		}
	}
	return true, nil
}

func compare(name string, ok func(int) bool) NativeFunc {
	return func(args []Value) (Value, error) {
		for i := 1; i < len(args); i++ {
			a, aok := toFloat(args[i-1])
			b, bok := toFloat(args[i])
			if !aok || !bok {
				return nil, fmt.Errorf("%s: numeric arguments required", name)
			}
			c := 0
			if a < b {
				c = -1
			} else if a > b {
				c = 1
			}
			if !ok(c) {
				return false, nil
			}
		}
		return true, nil
	}
}
