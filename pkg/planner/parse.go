package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseDecision parses a model reply into a Decision. The reply must be a
// single JSON object, optionally wrapped in a markdown code fence.
func parseDecision(raw string) (*Decision, error) {
	text := strings.TrimSpace(raw)
	text = stripFence(text)

	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrMalformedDecision)
	}

	var d Decision
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	// Trailing content after the object is as malformed as bad JSON.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after decision object", ErrMalformedDecision)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
