package keys

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// maxDepth bounds nesting; self-referencing values hit it and are rejected.
const maxDepth = 32

// SerializationError reports parameters that cannot be canonicalized.
type SerializationError struct {
	Path   string
	Reason string
}

func (e *SerializationError) Error() string {
	if e.Path == "" {
		return "keys: cannot serialize params: " + e.Reason
	}
	return fmt.Sprintf("keys: cannot serialize params at %s: %s", e.Path, e.Reason)
}

// Canonical returns the stable encoding of p used for hashing.
// Maps are encoded with sorted keys, so equal parameter sets produce
// identical bytes regardless of insertion order.
func Canonical(p Params) ([]byte, error) {
	tree, err := canonicalize(p.resolved(), "", 0)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, &SerializationError{Reason: err.Error()}
	}
	return data, nil
}

var timeType = reflect.TypeOf(time.Time{})

// canonicalize converts v into a tree of JSON-safe values whose encoding is
// deterministic: map[string]any, []any, string, bool, nil and numbers.
func canonicalize(v any, path string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, &SerializationError{Path: path, Reason: "nesting too deep (cyclic value?)"}
	}

	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x, nil
	case float32:
		return checkFloat(float64(x), path)
	case float64:
		return checkFloat(x, path)
	case json.Number:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(x), nil
	case Params:
		return canonicalize(x.resolved(), path, depth)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			c, err := canonicalize(elem, join(path, k), depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	}

	return canonicalizeReflect(reflect.ValueOf(v), path, depth)
}

func canonicalizeReflect(rv reflect.Value, path string, depth int) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return canonicalize(rv.Elem().Interface(), path, depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			c, err := canonicalize(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &SerializationError{Path: path, Reason: "map keys must be strings, got " + rv.Type().Key().String()}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			c, err := canonicalize(iter.Value().Interface(), join(path, k), depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float(), path)
	case reflect.Struct:
		if rv.Type() == timeType {
			return canonicalize(rv.Interface(), path, depth)
		}
	}
	return nil, &SerializationError{Path: path, Reason: "unsupported type " + rv.Type().String()}
}

func checkFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &SerializationError{Path: path, Reason: "non-finite number"}
	}
	return f, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
