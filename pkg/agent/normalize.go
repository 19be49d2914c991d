package agent

import (
	"encoding/json"
)

// canonicalArgs renders arguments in a canonical form so that two calls
// that differ only in key order or trivial encodings compare equal.
// Empty strings coalesce to null and the strings "true"/"false" to
// booleans, recursively.
func canonicalArgs(args map[string]interface{}) string {
	// json.Marshal sorts map keys, which handles ordering.
	out, err := json.Marshal(normalizeValue(args))
	if err != nil {
		return ""
	}
	return string(out)
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		switch t {
		case "":
			return nil
		case "true":
			return true
		case "false":
			return false
		}
		return t
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normalizeValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = normalizeValue(val)
		}
		return s
	default:
		return v
	}
}
