package agent

import (
	"time"

	"github.com/harun/kairo/pkg/paginate"
)

// RunParams contains input parameters for one agent run.
type RunParams struct {
	RunID         string `json:"run_id,omitempty"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id,omitempty"`
	AuthToken     string `json:"-"`
	Query         string `json:"query"`
	MaxIterations int    `json:"max_iterations,omitempty"`

	// OnStep, when set, receives the iteration count and chosen action
	// after each planning step.
	OnStep func(iteration, maxIterations int, action string) `json:"-"`

	// OnPaginate, when set, receives batch progress while a paginated
	// tool call drains its cursor chain.
	OnPaginate func(event paginate.ProgressEvent) `json:"-"`
}

// Outcome is the terminal classification of a run.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeStopped   Outcome = "stopped"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// RunResult contains the output of one agent run.
type RunResult struct {
	RunID      string       `json:"run_id"`
	Answer     string       `json:"answer"`
	Outcome    Outcome      `json:"outcome"`
	Iterations int          `json:"iterations"`
	Trace      []TraceEntry `json:"trace,omitempty"`
}

// TraceEntry records one loop step for diagnostics and for the planner's
// next decision. Reasoning is stored scrubbed of internal identifiers.
type TraceEntry struct {
	Action    string                 `json:"action"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	OK        bool                   `json:"ok"`
	Duplicate bool                   `json:"duplicate,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	Reasoning string                 `json:"reasoning,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Elapsed   time.Duration          `json:"elapsed,omitempty"`
}
