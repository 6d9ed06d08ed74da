package objfile

import (
	"math"
	"strconv"
	"strings"
)

// Value is a runtime value: nil, int64, float64, string, bool or Keyword.
type Value = any

// Keyword is an interned name printed with a leading colon.
type Keyword string

// Truthy reports the language truth of v: only nil and false are false.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	default:
		return true
	}
}

// FormatValue renders v the way the REPL prints results.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(x)
	default:
		return display(v)
	}
}

// display renders v for str and println: strings are unquoted and nil is empty.
func display(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case Keyword:
		return ":" + string(x)
	default:
		return "#<unknown>"
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "##Inf"
	case math.IsInf(f, -1):
		return "##-Inf"
	case math.IsNaN(f):
		return "##NaN"
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// Equal compares values; integers and floats compare by numeric value.
func Equal(a, b Value) bool {
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func toFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func typeName(v Value) string {
	switch v.(type) {
	case nil:
		return "nil"
	case int64:
		return "Long"
	case float64:
		return "Double"
	case string:
		return "String"
	case bool:
		return "Boolean"
	case Keyword:
		return "Keyword"
	default:
		return "Object"
	}
}
