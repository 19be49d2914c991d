package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kairo/internal/observability"
	"github.com/harun/kairo/internal/tracing"
	"github.com/harun/kairo/pkg/catalog"
	"github.com/harun/kairo/pkg/mcp"
	"github.com/harun/kairo/pkg/memory"
	"github.com/harun/kairo/pkg/paginate"
	"github.com/harun/kairo/pkg/planner"
)

const defaultMaxIterations = 8

// Loop orchestrates a full agent run: plan, execute, repeat, finalize.
type Loop struct {
	planner     planner.Planner
	synthesizer planner.Synthesizer
	executor    ToolExecutor
	catalog     *catalog.Catalog
	memory      *memory.Store
	scrubber    *Scrubber
	guard       *duplicateGuard
	logger      zerolog.Logger

	maxIterations int

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// LoopConfig holds loop dependencies. Memory is optional.
type LoopConfig struct {
	Planner     planner.Planner
	Synthesizer planner.Synthesizer
	Executor    ToolExecutor
	Catalog     *catalog.Catalog
	Memory      *memory.Store
	Logger      zerolog.Logger

	MaxIterations int

	// GuardKinds is the allow-list of tool kinds covered by the
	// duplicate-action guard.
	GuardKinds []string

	// ServerKeys seed the identifier scrubber.
	ServerKeys []string
}

// NewLoop creates an agent loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}

	return &Loop{
		planner:       cfg.Planner,
		synthesizer:   cfg.Synthesizer,
		executor:      cfg.Executor,
		catalog:       cfg.Catalog,
		memory:        cfg.Memory,
		scrubber:      NewScrubber(cfg.ServerKeys),
		guard:         newDuplicateGuard(cfg.GuardKinds),
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		activeRuns:    make(map[string]context.CancelFunc),
	}, nil
}

// Abort cancels a running agent execution.
func (l *Loop) Abort(runID string) error {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()

	cancel, exists := l.activeRuns[runID]
	if !exists {
		l.logger.Debug().Str("run_id", runID).Msg("No active run to abort")
		return nil
	}

	l.logger.Info().Str("run_id", runID).Msg("Aborting agent run")
	cancel()
	delete(l.activeRuns, runID)
	return nil
}

// IsRunning reports whether a run is active.
func (l *Loop) IsRunning(runID string) bool {
	l.runsMu.RLock()
	defer l.runsMu.RUnlock()
	_, exists := l.activeRuns[runID]
	return exists
}

// Run executes the loop for one query. Cancellation surfaces as a
// context error with a cancelled result, never as a failure.
func (l *Loop) Run(ctx context.Context, params RunParams) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params.RunID == "" {
		params.RunID = tracing.NewRunID()
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = l.maxIterations
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithRunID(ctx, params.RunID)
	ctx = tracing.WithSessionID(ctx, params.SessionID)

	ctx, span := tracing.StartSpan(
		ctx,
		"kairo.agent",
		"agent.run",
		attribute.String("run_id", params.RunID),
		attribute.String("session_id", params.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger).With().Str("run_id", params.RunID).Logger()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.runsMu.Lock()
	l.activeRuns[params.RunID] = cancel
	l.runsMu.Unlock()
	defer func() {
		l.runsMu.Lock()
		delete(l.activeRuns, params.RunID)
		l.runsMu.Unlock()
	}()

	result, err := l.execute(execCtx, params, logger)
	result.RunID = params.RunID
	observability.RecordAgentRun(string(result.Outcome), result.Iterations)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

type runState struct {
	trace   []TraceEntry
	results map[string]interface{}
}

func (s *runState) hasResults() bool { return len(s.results) > 0 }

func (l *Loop) execute(ctx context.Context, params RunParams, logger zerolog.Logger) (RunResult, error) {
	state := &runState{results: make(map[string]interface{})}

	sessionMemory := l.recallMemory(ctx, params.SessionID, logger)

	cc := &mcp.CallContext{
		SessionID: params.SessionID,
		UserID:    params.UserID,
		AuthToken: params.AuthToken,
	}

	var sink paginate.ProgressSink
	if params.OnPaginate != nil {
		sink = paginate.ProgressFunc(params.OnPaginate)
	}

	iterations := 0
	for iterations < params.MaxIterations {
		if err := ctx.Err(); err != nil {
			return RunResult{Outcome: OutcomeCancelled, Iterations: iterations, Trace: state.trace}, err
		}
		iterations++

		decision, err := l.planner.Plan(ctx, &planner.PlanInput{
			Query:   params.Query,
			Tools:   l.catalog.All(),
			Trace:   plannerTrace(state.trace),
			Results: state.results,
			Memory:  sessionMemory,
		})
		if err != nil {
			if ctx.Err() != nil {
				return RunResult{Outcome: OutcomeCancelled, Iterations: iterations, Trace: state.trace}, ctx.Err()
			}
			logger.Warn().Err(err).Int("iteration", iterations).Msg("Planning failed")
			state.trace = append(state.trace, TraceEntry{
				Action:    "plan",
				OK:        false,
				Detail:    err.Error(),
				Timestamp: time.Now(),
			})
			if l.shouldStop(state, err) {
				if state.hasResults() {
					// Planning broke down but tool data exists: answer
					// from what was gathered.
					return l.finalize(ctx, params, state, iterations, OutcomeStopped, planner.ModeToolGrounded)
				}
				return RunResult{Outcome: OutcomeError, Iterations: iterations, Trace: state.trace}, err
			}
			continue
		}

		if params.OnStep != nil {
			step := decision.Action
			if decision.Finalize {
				step = "finalize"
			}
			params.OnStep(iterations, params.MaxIterations, step)
		}

		if decision.Finalize {
			mode := decision.Mode
			if mode == "" {
				mode = pickMode(state)
			}
			return l.finalize(ctx, params, state, iterations, OutcomeAnswered, mode)
		}

		reasoning := l.scrubber.Scrub(decision.Reasoning)

		tool, err := l.catalog.Resolve(decision.Action)
		if err != nil {
			logger.Warn().Str("action", decision.Action).Msg("Planner chose unknown tool")
			state.trace = append(state.trace, TraceEntry{
				Action:    decision.Action,
				OK:        false,
				Detail:    err.Error(),
				Reasoning: reasoning,
				Timestamp: time.Now(),
			})
			if stop := l.shouldStop(state, err); stop {
				return l.finalize(ctx, params, state, iterations, OutcomeStopped, pickMode(state))
			}
			continue
		}

		if l.guard.guarded(tool.Annotations.Kind) && l.guard.isDuplicate(tool.ID, decision.Arguments, state.trace) {
			logger.Warn().Str("action", tool.ID).Msg("Duplicate action detected")
			if state.hasResults() {
				// Identical repeat with usable data in hand: answer now.
				return l.finalize(ctx, params, state, iterations, OutcomeAnswered, planner.ModeToolGrounded)
			}
			state.trace = append(state.trace, TraceEntry{
				Action:    tool.ID,
				Arguments: decision.Arguments,
				OK:        false,
				Duplicate: true,
				Detail:    "identical call already attempted",
				Reasoning: reasoning,
				Timestamp: time.Now(),
			})
			continue
		}

		start := time.Now()
		action, execErr := l.executor.Execute(ctx, tool.ID, decision.Arguments, cc, sink)
		if execErr != nil {
			if ctx.Err() != nil {
				return RunResult{Outcome: OutcomeCancelled, Iterations: iterations, Trace: state.trace}, ctx.Err()
			}
			logger.Warn().Err(execErr).Str("action", tool.ID).Msg("Action failed")
			state.trace = append(state.trace, TraceEntry{
				Action:    tool.ID,
				Arguments: decision.Arguments,
				OK:        false,
				Detail:    execErr.Error(),
				Reasoning: reasoning,
				Timestamp: start,
				Elapsed:   time.Since(start),
			})
			if l.shouldStop(state, execErr) {
				return l.finalize(ctx, params, state, iterations, OutcomeStopped, pickMode(state))
			}
			continue
		}

		entry := TraceEntry{
			Action:    tool.ID,
			Arguments: decision.Arguments,
			OK:        true,
			Reasoning: reasoning,
			Timestamp: start,
			Elapsed:   time.Since(start),
		}
		if action.Partial {
			entry.Detail = fmt.Sprintf("partial: %s", action.PartialReason)
		}
		state.trace = append(state.trace, entry)
		// Keyed by action: a repeat call overwrites the older result.
		state.results[tool.ID] = action.Value()

		if tool.Annotations.FinalizeTerminal {
			// Terminal tools produce the answer verbatim; no synthesis.
			return RunResult{
				Answer:     renderTerminal(action.Data),
				Outcome:    OutcomeAnswered,
				Iterations: iterations,
				Trace:      state.trace,
			}, nil
		}
	}

	// Iteration budget exhausted: answer with whatever was gathered.
	logger.Info().Int("iterations", iterations).Msg("Iteration budget exhausted, finalizing")
	return l.finalize(ctx, params, state, iterations, OutcomeExhausted, pickMode(state))
}

// shouldStop applies the error-recovery policy: give up on auth-class
// failures with nothing gathered, and on repeated thrashing.
func (l *Loop) shouldStop(state *runState, err error) bool {
	if isUnrecoverable(err) && !state.hasResults() {
		return true
	}

	// Two failures in the last three steps means the run is thrashing.
	recent := state.trace
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	failed := 0
	for _, entry := range recent {
		if !entry.OK {
			failed++
		}
	}
	return failed >= 2
}

func isUnrecoverable(err error) bool {
	var sessionErr *mcp.SessionError
	if errors.As(err, &sessionErr) {
		return true
	}
	var unknownTool *catalog.ErrUnknownTool
	if errors.As(err, &unknownTool) {
		return true
	}
	var protoErr *mcp.ProtocolError
	if errors.As(err, &protoErr) {
		msg := strings.ToLower(protoErr.Message)
		return strings.Contains(msg, "not found") ||
			strings.Contains(msg, "unauthorized") ||
			strings.Contains(msg, "forbidden")
	}
	return false
}

func pickMode(state *runState) planner.SynthesisMode {
	if state.hasResults() {
		return planner.ModeToolGrounded
	}
	return planner.ModeDirect
}

func (l *Loop) finalize(ctx context.Context, params RunParams, state *runState, iterations int, outcome Outcome, mode planner.SynthesisMode) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{Outcome: OutcomeCancelled, Iterations: iterations, Trace: state.trace}, err
	}

	answer, err := l.synthesizer.Synthesize(ctx, params.Query, plannerTrace(state.trace), state.results, mode)
	if err != nil {
		if ctx.Err() != nil {
			return RunResult{Outcome: OutcomeCancelled, Iterations: iterations, Trace: state.trace}, ctx.Err()
		}
		return RunResult{Outcome: OutcomeError, Iterations: iterations, Trace: state.trace}, fmt.Errorf("failed to synthesize answer: %w", err)
	}

	return RunResult{
		Answer:     l.scrubber.Scrub(answer),
		Outcome:    outcome,
		Iterations: iterations,
		Trace:      state.trace,
	}, nil
}

func (l *Loop) recallMemory(ctx context.Context, sessionID string, logger zerolog.Logger) string {
	if l.memory == nil || sessionID == "" {
		return ""
	}
	text, err := l.memory.Recall(ctx, sessionID, 50)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to recall session memory")
		return ""
	}
	return text
}

// plannerTrace converts loop trace entries to the planner's view,
// scrubbed of argument payloads.
func plannerTrace(trace []TraceEntry) []planner.TraceEvent {
	events := make([]planner.TraceEvent, len(trace))
	for i, entry := range trace {
		events[i] = planner.TraceEvent{
			Action:    entry.Action,
			OK:        entry.OK,
			Detail:    entry.Detail,
			Reasoning: entry.Reasoning,
		}
	}
	return events
}

func renderTerminal(data interface{}) string {
	switch v := data.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
