// Package jsonpath resolves the minimal path grammar shared by the
// json-http, json-metrics, and custom-ssh-json executors: `$`,
// `$.field`, `$.field.sub`, `$.items.0.value`, and `$.items[0].value`.
// No wildcards, no escaped dots.
package jsonpath

import (
	"regexp"
	"strconv"
	"strings"
)

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// Resolve walks payload according to path and returns the value found,
// or nil if any segment is missing.
func Resolve(payload interface{}, path string) interface{} {
	if path == "$" {
		return payload
	}

	normalized := bracketIndex.ReplaceAllString(path, ".$1")
	normalized = strings.TrimPrefix(normalized, "$.")

	var parts []string
	for _, p := range strings.Split(normalized, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	current := payload
	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok {
				return nil
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}
