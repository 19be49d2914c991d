// Package agent implements the planning loop that turns a user query
// into tool calls and a final answer.
//
// A run alternates between asking the planner for a decision and
// executing the chosen tool, carrying a trace of prior steps and a
// result set keyed by action. Finalization synthesizes the answer from
// gathered results or from the model directly, with internal identifiers
// scrubbed from any user-facing text. Runs are cancellable at every
// blocking step.
package agent
