package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kairo/internal/tracing"
	"github.com/harun/kairo/pkg/catalog"
	"github.com/harun/kairo/pkg/materialize"
	"github.com/harun/kairo/pkg/mcp"
	"github.com/harun/kairo/pkg/paginate"
)

// ActionResult is the loop's view of one executed tool call.
type ActionResult struct {
	Data            interface{}
	Ref             *materialize.Reference
	Partial         bool
	PartialReason   string
	BatchesReceived int
}

// Value returns what the planner should see: the compact reference when
// the payload was offloaded, otherwise the data itself.
func (r *ActionResult) Value() interface{} {
	if r.Ref != nil {
		return r.Ref
	}
	return r.Data
}

// ToolExecutor executes one planned action end to end.
type ToolExecutor interface {
	Execute(ctx context.Context, toolID string, args map[string]interface{}, cc *mcp.CallContext, sink paginate.ProgressSink) (*ActionResult, error)
}

// Executor wires the protocol client, pagination engine and materializer
// behind a single action call.
type Executor struct {
	client  paginate.Caller
	pager   *paginate.Engine
	store   *materialize.Store
	catalog *catalog.Catalog
	logger  zerolog.Logger
}

// ExecutorConfig holds executor dependencies. Pager and Store are
// optional.
type ExecutorConfig struct {
	Client  paginate.Caller
	Pager   *paginate.Engine
	Store   *materialize.Store
	Catalog *catalog.Catalog
	Logger  zerolog.Logger
}

// NewExecutor creates a tool executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("protocol client is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	return &Executor{
		client:  cfg.Client,
		pager:   cfg.Pager,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		logger:  cfg.Logger,
	}, nil
}

// Execute calls one tool, drains pagination when the tool is annotated as
// paginated, and offloads oversized payloads. Batch progress during the
// drain is published to sink when one is given.
func (e *Executor) Execute(ctx context.Context, toolID string, args map[string]interface{}, cc *mcp.CallContext, sink paginate.ProgressSink) (*ActionResult, error) {
	tool, err := e.catalog.Resolve(toolID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.client.Call(ctx, tool.ID, args, cc)
	if err != nil {
		return nil, err
	}

	if tool.Annotations.Paginated && e.pager != nil {
		result, err = e.pager.DrainAll(ctx, tool.ID, args, result, cc, &paginate.Options{Sink: sink})
		if err != nil {
			return nil, err
		}
	}

	action := &ActionResult{
		Data:            result.Data,
		Partial:         result.Partial,
		PartialReason:   result.PartialReason,
		BatchesReceived: result.BatchesReceived,
	}

	logger := tracing.LoggerFromContext(ctx, e.logger)

	if e.store != nil {
		ref, err := e.store.Offload(ctx, tracing.GetRunID(ctx), tool.ID, result.Data)
		if err != nil {
			// Offload failure keeps the payload inline rather than losing it.
			logger.Warn().Err(err).
				Str("tool", tool.ID).
				Msg("Offload failed, keeping payload inline")
		} else if ref != nil {
			action.Ref = ref
		}
	}

	logger.Debug().
		Str("tool", tool.ID).
		Dur("elapsed", time.Since(start)).
		Bool("partial", action.Partial).
		Msg("Action executed")

	return action, nil
}
