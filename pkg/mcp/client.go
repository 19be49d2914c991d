package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/kairo/internal/config"
	"github.com/harun/kairo/internal/observability"
	"github.com/harun/kairo/internal/tracing"
	"github.com/harun/kairo/pkg/catalog"
)

// ownershipParams are never taken verbatim from the planner. When the target
// tool's schema declares one of them it is force-overwritten from the trusted
// call context; when the schema does not declare it, it is stripped so
// strict-schema tools don't reject the call.
var ownershipParams = []string{"session_id", "user_id"}

// Client talks to remote tool-servers over session-scoped JSON-RPC.
type Client struct {
	servers    map[string]config.ServerConfig
	catalog    *catalog.Catalog
	sessions   *SessionManager
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientConfig holds protocol client configuration.
type ClientConfig struct {
	Servers    map[string]config.ServerConfig
	Catalog    *catalog.Catalog
	Sessions   *SessionManager
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient creates a protocol client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		servers:    cfg.Servers,
		catalog:    cfg.Catalog,
		sessions:   cfg.Sessions,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}, nil
}

// Catalog returns the client's tool catalog.
func (c *Client) Catalog() *catalog.Catalog {
	return c.catalog
}

// Call resolves toolID, applies the trust-boundary parameter overrides,
// dispatches the call and returns the unwrapped result.
func (c *Client) Call(ctx context.Context, toolID string, args map[string]interface{}, cc *CallContext) (*ToolResult, error) {
	def, err := c.catalog.Resolve(toolID)
	if err != nil {
		return nil, err
	}

	srv, ok := c.servers[def.Server]
	if !ok {
		return nil, fmt.Errorf("no server configured for key %s", def.Server)
	}

	args = c.applyOverrides(def, args, cc)

	if err := c.validateArgs(def, args); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.dispatch(ctx, def, srv, args, cc)
	observability.RecordToolCall(def.Server, time.Since(start), err == nil)
	return result, err
}

// applyOverrides enforces the planner trust boundary. Runs after tool
// resolution (so the schema is known) and before the request is built.
func (c *Client) applyOverrides(def *catalog.ToolDefinition, args map[string]interface{}, cc *CallContext) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}

	props := def.SchemaProperties()

	trusted := map[string]string{}
	if cc != nil {
		trusted["session_id"] = cc.SessionID
		trusted["user_id"] = cc.UserID
	}

	for _, param := range ownershipParams {
		if props != nil && props[param] {
			if value := trusted[param]; value != "" {
				out[param] = value
			}
			continue
		}
		delete(out, param)
	}

	return out
}

// validateArgs checks planner-proposed arguments against the tool's input
// schema. Tools without a schema accept anything.
func (c *Client) validateArgs(def *catalog.ToolDefinition, args map[string]interface{}) error {
	if len(def.InputSchema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(def.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// A broken schema is a catalog problem, not an argument problem.
		c.logger.Warn().Err(err).Str("tool", def.ID).Msg("Tool schema could not be evaluated")
		return nil
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return &ArgumentError{ToolID: def.ID, Message: strings.Join(messages, "; ")}
	}

	return nil
}

// dispatch sends the call, retrying exactly once through a fresh session
// when the response is classified as a session error.
func (c *Client) dispatch(ctx context.Context, def *catalog.ToolDefinition, srv config.ServerConfig, args map[string]interface{}, cc *CallContext) (*ToolResult, error) {
	result, err := c.send(ctx, def, srv, args, cc)

	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Warn().Str("server_key", def.Server).Msg("Stale session, re-handshaking once")

		c.sessions.Clear(def.Server)
		return c.send(ctx, def, srv, args, cc)
	}

	return result, err
}

func (c *Client) send(ctx context.Context, def *catalog.ToolDefinition, srv config.ServerConfig, args map[string]interface{}, cc *CallContext) (*ToolResult, error) {
	authToken := ""
	if cc != nil {
		authToken = cc.AuthToken
	}

	handle, err := c.sessions.GetOrCreate(ctx, def.Server, srv, authToken)
	if err != nil {
		return nil, err
	}

	reqID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		ID:      reqID,
		Params: map[string]interface{}{
			"name":      def.Name,
			"arguments": args,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx := ctx
	if srv.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, srv.CallTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	header := srv.SessionHeader
	if header == "" {
		header = defaultSessionHeader
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set(header, handle.Token)
	if authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call to %s failed: %w", def.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return nil, &SessionError{ServerKey: def.Server, Message: "HTTP 401"}
	}

	rpcResp, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if rpcResp.Error != nil {
		if isSessionError(rpcResp.Error.Code, rpcResp.Error.Message) {
			return nil, &SessionError{ServerKey: def.Server, Message: rpcResp.Error.Message}
		}
		return nil, &ProtocolError{ToolID: def.ID, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	return normalizeResult(rpcResp.Result)
}

// readResponse accepts a single JSON body or a text event-stream, in which
// case the first complete `data:` frame is the logical response.
func readResponse(resp *http.Response) (*rpcResponse, error) {
	contentType := resp.Header.Get("Content-Type")

	var payload []byte
	if strings.HasPrefix(contentType, "text/event-stream") {
		frame, err := firstDataFrame(resp.Body)
		if err != nil {
			return nil, err
		}
		payload = frame
	} else {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		payload = body
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &rpcResp, nil
}

// firstDataFrame scans an event stream for the first complete data frame.
func firstDataFrame(body io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimPrefix(data, " ")
		if data == "" || data == "[DONE]" {
			continue
		}
		return []byte(data), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a data frame")
}

// normalizeResult unwraps the result envelope and lifts pagination and
// partial-batch metadata onto the ToolResult.
func normalizeResult(raw json.RawMessage) (*ToolResult, error) {
	var decoded interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}

	result := &ToolResult{}

	if envelope, ok := decoded.(map[string]interface{}); ok {
		if cursor, ok := stringField(envelope, "nextCursor"); ok {
			result.NextCursor = cursor
		}
	}

	payload := Unwrap(decoded)

	// An error embedded as a data payload with partial-batch metadata is a
	// partial success, returned rather than raised.
	if body, ok := payload.(map[string]interface{}); ok {
		if result.NextCursor == "" {
			if cursor, ok := stringField(body, "nextCursor"); ok {
				result.NextCursor = cursor
			}
		}
		if partial, _ := body["partial"].(bool); partial {
			result.Partial = true
			if n, ok := body["batchesReceived"].(float64); ok {
				result.BatchesReceived = int(n)
			}
			if reason, ok := stringField(body, "error"); ok {
				result.PartialReason = reason
			}
		}
	}

	result.Data = payload
	return result, nil
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
