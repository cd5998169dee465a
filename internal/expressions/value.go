package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/runcard-io/runcard/pkg/schema"
)

// Values are plain any trees: nil, bool, integers, float64, string,
// []any, map[string]any, the shapes yaml.v3 and encoding/json produce.
// Everything the evaluator touches goes through the helpers below.

// Truthy reports the truthiness of a value: nil, false, empty string,
// zero numbers, and empty lists/maps are falsy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// IsEmpty reports whether a value is nil, an empty string, or an empty list.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

// Stringify renders a value for argv and template substitution:
// nil becomes the empty string, lists and maps render as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		if i, ok := toInt(v); ok {
			return strconv.FormatInt(i, 10)
		}
		return fmt.Sprintf("%v", val)
	}
}

// Attr resolves dotted-attribute access. A missing key on a map yields
// nil rather than an error so optional fields can be templated; attribute
// access on a non-map is an evaluation error.
func Attr(v any, name string) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"attribute %q access on non-map value %s", name, typeName(v))
	}
	return m[name], nil
}

// Index resolves subscript access on lists (integer index), maps
// (string key), and strings (rune index).
func Index(v, idx any) (any, error) {
	switch container := v.(type) {
	case []any:
		i, ok := toInt(idx)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "list index must be an integer, got %s", typeName(idx))
		}
		if i < 0 || i >= int64(len(container)) {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "list index %d out of range (len %d)", i, len(container))
		}
		return container[i], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "map key must be a string, got %s", typeName(idx))
		}
		return container[key], nil
	case string:
		i, ok := toInt(idx)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "string index must be an integer, got %s", typeName(idx))
		}
		runes := []rune(container)
		if i < 0 || i >= int64(len(runes)) {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "string index %d out of range (len %d)", i, len(runes))
		}
		return string(runes[i]), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "cannot index value of type %s", typeName(v))
	}
}

// Length returns the length of a string (in runes), list, or map.
func Length(v any) (int64, error) {
	switch val := v.(type) {
	case string:
		return int64(utf8.RuneCountInString(val)), nil
	case []any:
		return int64(len(val)), nil
	case map[string]any:
		return int64(len(val)), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeEvaluation, "len() expects a string, list, or map, got %s", typeName(v))
	}
}

// Equal compares two values for equality with cross-type numeric coercion.
func Equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Less orders two values: numbers against numbers, strings against
// strings. Anything else is an evaluation error.
func Less(a, b any) (bool, error) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af < bf, nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as < bs, nil
		}
	}
	return false, schema.NewErrorf(schema.ErrCodeEvaluation,
		"cannot order %s against %s", typeName(a), typeName(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		if _, ok := toFloat(v); ok {
			return "number"
		}
		return fmt.Sprintf("%T", v)
	}
}
