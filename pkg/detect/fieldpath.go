package detect

import (
	"strconv"
	"strings"
)

// Lookup walks an arbitrary JSON-shaped value by string path. Supported
// segments: "prop", "prop.nested", "prop[index]". It returns (nil, false)
// on any missing path and never fails: absence is a value, not an error.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := v
	for _, segment := range strings.Split(path, ".") {
		name, indexes, ok := splitIndexes(segment)
		if !ok {
			return nil, false
		}
		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// splitIndexes splits "refs[0][1]" into ("refs", [0, 1]).
func splitIndexes(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, nil, true
	}
	name := segment[:open]
	rest := segment[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return name, indexes, true
}
