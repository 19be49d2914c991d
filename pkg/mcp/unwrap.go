package mcp

import "encoding/json"

// Tool-servers wrap their real payload in one of several envelope shapes.
// Each strategy inspects one shape and returns (payload, true) on a match.
// Strategies are tried in a fixed priority order; the first match wins, and
// the raw input is returned when none match. Because no strategy matches a
// payload it already produced, unwrapping is idempotent.
type unwrapStrategy func(map[string]interface{}) (interface{}, bool)

var unwrapStrategies = []unwrapStrategy{
	unwrapStructuredContent,
	unwrapContentArray,
	unwrapBareResult,
}

// Unwrap normalizes a response envelope into its real payload.
func Unwrap(raw interface{}) interface{} {
	envelope, ok := raw.(map[string]interface{})
	if !ok {
		return raw
	}

	for _, strategy := range unwrapStrategies {
		if payload, ok := strategy(envelope); ok {
			return payload
		}
	}
	return raw
}

// unwrapStructuredContent handles {"structuredContent": <JSON string | object>}.
func unwrapStructuredContent(envelope map[string]interface{}) (interface{}, bool) {
	sc, ok := envelope["structuredContent"]
	if !ok {
		return nil, false
	}

	if text, isString := sc.(string); isString {
		if parsed, err := parseJSON(text); err == nil {
			return parsed, true
		}
		return text, true
	}
	return sc, true
}

// unwrapContentArray handles {"content": [{"type": "text", "text": ...}, ...]}.
// The first element's text field holds either JSON or plain text.
func unwrapContentArray(envelope map[string]interface{}) (interface{}, bool) {
	content, ok := envelope["content"].([]interface{})
	if !ok || len(content) == 0 {
		return nil, false
	}

	first, ok := content[0].(map[string]interface{})
	if !ok {
		return nil, false
	}

	text, ok := first["text"].(string)
	if !ok {
		return nil, false
	}

	if parsed, err := parseJSON(text); err == nil {
		return parsed, true
	}
	return text, true
}

// unwrapBareResult handles {"result": <payload>}.
func unwrapBareResult(envelope map[string]interface{}) (interface{}, bool) {
	if payload, ok := envelope["result"]; ok {
		return payload, true
	}
	return nil, false
}

func parseJSON(text string) (interface{}, error) {
	var parsed interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
