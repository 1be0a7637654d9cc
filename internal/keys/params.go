package keys

import (
	"fmt"
	"sort"
)

// Param is a single named query parameter.
type Param struct {
	Key   string
	Value any
}

// Params is an ordered list of query parameters.
//
// Order does not affect the derived cache key: parameters are sorted by name
// before hashing. When a name appears more than once the last value wins.
type Params []Param

// P builds Params from alternating name/value pairs.
// It panics if given an odd number of arguments or a non-string name,
// both of which are programming mistakes at the call site.
func P(kv ...any) Params {
	if len(kv)%2 != 0 {
		panic("keys: P requires name/value pairs")
	}
	params := make(Params, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("keys: parameter name at position %d is %T, not string", i, kv[i]))
		}
		params = append(params, Param{Key: name, Value: kv[i+1]})
	}
	return params
}

// FromMap converts a map into Params.
func FromMap(m map[string]any) Params {
	params := make(Params, 0, len(m))
	for k, v := range m {
		params = append(params, Param{Key: k, Value: v})
	}
	return params
}

// With returns a copy of p with an additional parameter appended.
func (p Params) With(key string, value any) Params {
	out := make(Params, len(p), len(p)+1)
	copy(out, p)
	return append(out, Param{Key: key, Value: value})
}

// Names returns the distinct parameter names in sorted order.
func (p Params) Names() []string {
	seen := make(map[string]struct{}, len(p))
	names := make([]string, 0, len(p))
	for _, param := range p {
		if _, ok := seen[param.Key]; ok {
			continue
		}
		seen[param.Key] = struct{}{}
		names = append(names, param.Key)
	}
	sort.Strings(names)
	return names
}

// resolved collapses duplicates, keeping the last value for each name.
func (p Params) resolved() map[string]any {
	m := make(map[string]any, len(p))
	for _, param := range p {
		m[param.Key] = param.Value
	}
	return m
}
