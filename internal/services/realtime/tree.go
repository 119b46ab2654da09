package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// The tree holds decoded JSON: branches are map[string]any, everything else
// (strings, float64, bools, arrays) is a leaf. Empty branches never exist.

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return v, nil
}

func encodeValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func isServerTimestamp(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	sv, ok := m[".sv"].(string)
	return ok && sv == "timestamp"
}

// prepare resolves server values, validates child keys and drops nulls and
// empty objects, so an all-null object is the same as removing it.
func prepare(v any, now int64) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if isServerTimestamp(t) {
			return float64(now), nil
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			if k == "" || strings.ContainsAny(k, "/.#$[]") {
				return nil, fmt.Errorf("%w: key %q", ErrInvalidValue, k)
			}
			c, err := prepare(child, now)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			c, err := prepare(child, now)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func getAt(root map[string]any, segs []string) any {
	var cur any = root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[s]; !ok {
			return nil
		}
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

// setAt replaces the subtree at segs. Leaves on the way down are replaced by
// branches; a nil value removes the subtree and prunes empty ancestors.
func setAt(root map[string]any, segs []string, v any) {
	if v == nil {
		removeAt(root, segs)
		return
	}

	m := root
	for _, s := range segs[:len(segs)-1] {
		child, ok := m[s].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[s] = child
		}
		m = child
	}
	m[segs[len(segs)-1]] = v
}

func removeAt(m map[string]any, segs []string) {
	if len(segs) == 1 {
		delete(m, segs[0])
		return
	}
	child, ok := m[segs[0]].(map[string]any)
	if !ok {
		return
	}
	removeAt(child, segs[1:])
	if len(child) == 0 {
		delete(m, segs[0])
	}
}

func childKeys(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
