// Package planner decides the next action for an agent run and
// synthesizes the final answer. Decisions come from an LLM provider and
// are parsed strictly; a reply that is not a valid decision is a planning
// error, never a tool failure.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/kairo/pkg/catalog"
)

// SynthesisMode selects how the final answer is produced.
type SynthesisMode string

const (
	// ModeDirect answers from the model's own reasoning.
	ModeDirect SynthesisMode = "direct"

	// ModeToolGrounded answers strictly from gathered tool results.
	ModeToolGrounded SynthesisMode = "tool_grounded"
)

// ErrMalformedDecision indicates the model reply could not be parsed as a
// decision.
var ErrMalformedDecision = errors.New("malformed planner decision")

// TraceEvent is the planner's view of one prior loop step.
type TraceEvent struct {
	Action    string `json:"action"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// PlanInput is everything the planner sees for one decision.
type PlanInput struct {
	Query   string
	Tools   []catalog.ToolDefinition
	Trace   []TraceEvent
	Results map[string]interface{}
	Memory  string
}

// Decision is one planner step: either call a tool or finalize.
type Decision struct {
	Finalize  bool                   `json:"finalize,omitempty"`
	Mode      SynthesisMode          `json:"mode,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Reasoning string                 `json:"reasoning,omitempty"`
}

// Validate checks the decision's internal consistency.
func (d *Decision) Validate() error {
	if d.Finalize {
		if d.Action != "" {
			return fmt.Errorf("%w: finalize decision names an action", ErrMalformedDecision)
		}
		if d.Mode != "" && d.Mode != ModeDirect && d.Mode != ModeToolGrounded {
			return fmt.Errorf("%w: unknown synthesis mode %q", ErrMalformedDecision, d.Mode)
		}
		return nil
	}
	if d.Action == "" {
		return fmt.Errorf("%w: neither action nor finalize", ErrMalformedDecision)
	}
	return nil
}

// Planner decides the next step for a run.
type Planner interface {
	Plan(ctx context.Context, input *PlanInput) (*Decision, error)
}

// Synthesizer produces the final user-facing answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, trace []TraceEvent, results map[string]interface{}, mode SynthesisMode) (string, error)
}

// Profile is one configured model credential, tried in priority order.
type Profile struct {
	ID       string
	Provider string
	APIKey   string
	Model    string
	Priority int
}
