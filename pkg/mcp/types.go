package mcp

import "encoding/json"

// JSON-RPC wire messages
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CallContext carries the trusted execution identity for a tool call.
// Ownership-binding parameters are always taken from here, never from the
// planner.
type CallContext struct {
	SessionID string
	UserID    string
	AuthToken string
}

// ToolResult is the normalized payload of one tool-server call.
type ToolResult struct {
	// Data is the unwrapped payload: an object, an array of records, or a
	// text blob depending on the tool.
	Data interface{}

	// NextCursor is the pagination continuation token, empty on the final
	// batch.
	NextCursor string

	// Partial marks a result assembled from some batches before a
	// mid-stream failure. Partial results are data, not errors.
	Partial         bool
	BatchesReceived int
	PartialReason   string
}

// HasCursor reports whether the result carries a continuation cursor.
func (r *ToolResult) HasCursor() bool {
	return r.NextCursor != ""
}
