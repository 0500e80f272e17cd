package platform

import (
	"strconv"
	"strings"
)

// Best-effort path extraction over vendor-controlled JSON. Responses are
// deeply nested and change shape between app versions, so callers declare
// the set of acceptable paths per concept and take the first hit instead
// of assuming a fixed schema.
//
// Paths are dot-separated; numeric segments index into lists:
// "item_list.0.video.transcoded_video.origin.video_url".

// FirstString returns the first non-empty string found at any of the
// given paths.
func FirstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if v, ok := walk(m, p); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// FirstNumber returns the first numeric value found at any of the given
// paths. Numeric strings count: vendors flip between `"ret":"0"` and
// `"ret":0` across endpoints.
func FirstNumber(m map[string]any, paths ...string) (float64, bool) {
	for _, p := range paths {
		v, ok := walk(m, p)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// FirstMap returns the first map value found at any of the given paths.
func FirstMap(m map[string]any, paths ...string) (map[string]any, bool) {
	for _, p := range paths {
		if v, ok := walk(m, p); ok {
			if mm, ok := v.(map[string]any); ok {
				return mm, true
			}
		}
	}
	return nil, false
}

// FirstList returns the first list value found at any of the given paths.
func FirstList(m map[string]any, paths ...string) ([]any, bool) {
	for _, p := range paths {
		if v, ok := walk(m, p); ok {
			if l, ok := v.([]any); ok {
				return l, true
			}
		}
	}
	return nil, false
}

func walk(root any, path string) (any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
