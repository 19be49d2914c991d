package paginate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/kairo/internal/observability"
	"github.com/harun/kairo/internal/tracing"
	"github.com/harun/kairo/pkg/mcp"
)

// wildcardCursor in the caller's arguments requests full automatic
// pagination; any other explicit cursor means manual pagination is in
// progress and the engine stays out of the way.
const wildcardCursor = "*"

// Caller issues follow-up tool calls. Satisfied by *mcp.Client.
type Caller interface {
	Call(ctx context.Context, toolID string, args map[string]interface{}, cc *mcp.CallContext) (*mcp.ToolResult, error)
}

// Engine drives cursor-based batch fetching for paginated tools and merges
// the batches into a single result.
type Engine struct {
	caller     Caller
	maxBatches int
	logger     zerolog.Logger
}

// Options tune one DrainAll invocation.
type Options struct {
	// Sink receives a progress event after every merged batch.
	Sink ProgressSink

	// Limit truncates the merged result to exactly this many items and
	// stops fetching once satisfied. Zero means no limit.
	Limit int

	// Total is the expected item count when the caller knows it; used only
	// for progress percentages.
	Total int
}

// NewEngine creates a pagination engine. maxBatches is the hard safety
// ceiling on batches fetched per call.
func NewEngine(caller Caller, maxBatches int, logger zerolog.Logger) *Engine {
	observability.EnsureRegistered()

	if maxBatches <= 0 {
		maxBatches = 100
	}
	return &Engine{
		caller:     caller,
		maxBatches: maxBatches,
		logger:     logger,
	}
}

// payload shapes
type shape int

const (
	shapeOpaque shape = iota
	shapeTabular
	shapeStructured
)

func detectShape(data interface{}) shape {
	switch data.(type) {
	case string:
		return shapeTabular
	case []interface{}:
		return shapeStructured
	default:
		return shapeOpaque
	}
}

// DrainAll fetches and merges every remaining batch for a paginated tool
// call whose first batch is already in hand.
func (e *Engine) DrainAll(ctx context.Context, toolID string, baseArgs map[string]interface{}, firstBatch *mcp.ToolResult, cc *mcp.CallContext, opts *Options) (*mcp.ToolResult, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", toolID).Logger()

	if skip, reason := e.shouldSkip(baseArgs, firstBatch); skip {
		logger.Debug().Str("reason", reason).Msg("Pagination not engaged")
		return firstBatch, nil
	}

	payloadShape := detectShape(firstBatch.Data)
	if payloadShape == shapeOpaque {
		logger.Debug().Msg("Unrecognized batch shape, returning first batch unchanged")
		return firstBatch, nil
	}

	merge := newMerger(payloadShape, firstBatch.Data)
	cursor := firstBatch.NextCursor
	batches := 1

	emit := func() {
		if opts.Sink == nil {
			return
		}
		event := ProgressEvent{
			Current:     merge.items(),
			Total:       opts.Total,
			BatchNumber: batches,
		}
		if opts.Total > 0 {
			event.Percentage = float64(event.Current) / float64(opts.Total) * 100
		}
		opts.Sink.Publish(event)
	}
	emit()

	finish := func(partial bool, reason string) *mcp.ToolResult {
		observability.RecordPagination(batches, partial)
		result := &mcp.ToolResult{
			Data:            merge.result(opts.Limit),
			Partial:         partial,
			BatchesReceived: batches,
			PartialReason:   reason,
		}
		return result
	}

	for cursor != "" {
		if opts.Limit > 0 && merge.items() >= opts.Limit {
			return finish(false, ""), nil
		}
		if batches >= e.maxBatches {
			// Safety ceiling: a warning, not an error.
			logger.Warn().Int("max_batches", e.maxBatches).Msg("Pagination ceiling reached, returning gathered batches")
			return finish(false, ""), nil
		}

		// A cancelled job must not keep draining a multi-thousand-batch cursor.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args := make(map[string]interface{}, len(baseArgs)+1)
		for k, v := range baseArgs {
			args[k] = v
		}
		args["cursor"] = cursor

		batch, err := e.caller.Call(ctx, toolID, args, cc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Keep what we already fetched.
			logger.Warn().Err(err).Int("batches", batches).Msg("Mid-pagination failure, returning partial merge")
			return finish(true, err.Error()), nil
		}

		empty, appendErr := merge.append(batch.Data)
		if appendErr != nil {
			logger.Error().Err(appendErr).Msg("Batch shape changed mid-stream")
			return finish(true, appendErr.Error()), nil
		}

		if empty && batch.NextCursor != "" {
			// An empty batch with a live cursor would loop forever. An
			// unchanged cursor is the degenerate case of the same fault.
			reason := "pagination anomaly: empty batch with non-null cursor"
			if batch.NextCursor == cursor {
				reason = "pagination anomaly: cursor did not advance"
			}
			logger.Error().Str("cursor", batch.NextCursor).Msg("Pagination anomaly, aborting drain")
			return finish(true, reason), nil
		}

		batches++
		cursor = batch.NextCursor
		emit()
	}

	return finish(false, ""), nil
}

// shouldSkip reports whether automatic pagination must not engage.
func (e *Engine) shouldSkip(baseArgs map[string]interface{}, firstBatch *mcp.ToolResult) (bool, string) {
	if !firstBatch.HasCursor() {
		return true, "no continuation cursor"
	}
	if countOnly, _ := baseArgs["count_only"].(bool); countOnly {
		return true, "count-only request"
	}
	if cursor, ok := baseArgs["cursor"].(string); ok && cursor != "" && cursor != wildcardCursor {
		return true, "manual pagination in progress"
	}
	return false, ""
}

// merger accumulates batches of one payload shape.
type merger struct {
	shape   shape
	rows    []string // tabular: header + data rows
	records []interface{}
}

func newMerger(s shape, first interface{}) *merger {
	m := &merger{shape: s}
	switch s {
	case shapeTabular:
		m.rows = splitRows(first.(string))
	case shapeStructured:
		m.records = append(m.records, first.([]interface{})...)
	}
	return m
}

func splitRows(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// append merges one follow-up batch, reporting whether it was empty.
func (m *merger) append(data interface{}) (empty bool, err error) {
	switch m.shape {
	case shapeTabular:
		text, ok := data.(string)
		if !ok {
			return false, fmt.Errorf("expected tabular batch, got %T", data)
		}
		rows := splitRows(text)
		// Ordering makes the first batch's header authoritative; later
		// headers are duplicates and are dropped.
		if len(rows) > 0 {
			rows = rows[1:]
		}
		if len(rows) == 0 {
			return true, nil
		}
		m.rows = append(m.rows, rows...)
		return false, nil

	case shapeStructured:
		records, ok := data.([]interface{})
		if !ok {
			return false, fmt.Errorf("expected structured batch, got %T", data)
		}
		if len(records) == 0 {
			return true, nil
		}
		m.records = append(m.records, records...)
		return false, nil
	}
	return false, fmt.Errorf("unmergeable shape")
}

// items returns the running data item count (tabular header excluded).
func (m *merger) items() int {
	switch m.shape {
	case shapeTabular:
		if len(m.rows) == 0 {
			return 0
		}
		return len(m.rows) - 1
	case shapeStructured:
		return len(m.records)
	}
	return 0
}

// result builds the merged payload, truncated to limit items when limit > 0.
func (m *merger) result(limit int) interface{} {
	switch m.shape {
	case shapeTabular:
		rows := m.rows
		if limit > 0 && len(rows) > limit+1 {
			rows = rows[:limit+1]
		}
		return strings.Join(rows, "\n")
	case shapeStructured:
		records := m.records
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}
		return records
	}
	return nil
}
