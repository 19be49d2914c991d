package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kairo/internal/config"
	"github.com/harun/kairo/pkg/catalog"
)

// toolServer is a scriptable fake tool-server speaking the session-scoped
// JSON-RPC protocol.
type toolServer struct {
	*httptest.Server

	mu         sync.Mutex
	handshakes int
	calls      []callRecord
	handler    func(call callRecord, w http.ResponseWriter)
	rejectNext bool
}

type callRecord struct {
	Name      string
	Arguments map[string]interface{}
	Session   string
}

func newToolServer(t *testing.T) *toolServer {
	ts := &toolServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Method {
		case "initialize":
			ts.mu.Lock()
			ts.handshakes++
			token := fmt.Sprintf("tok-%d", ts.handshakes)
			ts.mu.Unlock()

			w.Header().Set("Mcp-Session-Id", token)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID})

		case "tools/call":
			params := req.Params.(map[string]interface{})
			rawArgs, _ := params["arguments"].(map[string]interface{})
			call := callRecord{
				Name:      params["name"].(string),
				Arguments: rawArgs,
				Session:   r.Header.Get("Mcp-Session-Id"),
			}

			ts.mu.Lock()
			ts.calls = append(ts.calls, call)
			reject := ts.rejectNext
			ts.rejectNext = false
			handler := ts.handler
			ts.mu.Unlock()

			if reject {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"error":   map[string]interface{}{"code": -32001, "message": "session expired"},
				})
				return
			}

			handler(call, w)
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *toolServer) respondJSON(result interface{}) {
	ts.handler = func(_ callRecord, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      "1",
			"result":  result,
		})
	}
}

func (ts *toolServer) callCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.calls)
}

func (ts *toolServer) lastCall() callRecord {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.calls[len(ts.calls)-1]
}

func newTestClient(t *testing.T, ts *toolServer, tools []catalog.ToolDefinition) (*Client, *SessionManager) {
	cat, err := catalog.New(tools)
	require.NoError(t, err)

	sessions := NewSessionManager(nil, testLogger())
	client, err := NewClient(ClientConfig{
		Servers:  map[string]config.ServerConfig{"bvbrc": {URL: ts.URL}},
		Catalog:  cat,
		Sessions: sessions,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return client, sessions
}

func searchTool() catalog.ToolDefinition {
	return catalog.ToolDefinition{
		Server: "bvbrc",
		Name:   "genome_search",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"cursor": {"type": "string"},
				"session_id": {"type": "string"}
			}
		}`),
	}
}

func TestCall(t *testing.T) {
	t.Run("should unwrap content envelope", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON(map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": `{"count": 42}`},
			},
		})

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		result, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "coli"}, nil)
		require.NoError(t, err)

		payload := result.Data.(map[string]interface{})
		assert.Equal(t, float64(42), payload["count"])
	})

	t.Run("should send session token header on calls", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON("ok")

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		_, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x"}, nil)
		require.NoError(t, err)

		assert.Equal(t, "tok-1", ts.lastCall().Session)
	})

	t.Run("should resolve by bare name as fallback", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON("ok")

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		_, err := client.Call(context.Background(), "genome_search",
			map[string]interface{}{"query": "x"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "genome_search", ts.lastCall().Name)
	})

	t.Run("should raise typed error for unknown tool", func(t *testing.T) {
		ts := newToolServer(t)
		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		_, err := client.Call(context.Background(), "bvbrc.nope", nil, nil)

		var unknown *catalog.ErrUnknownTool
		require.ErrorAs(t, err, &unknown)
	})

	t.Run("should raise protocol error on server rejection", func(t *testing.T) {
		ts := newToolServer(t)
		ts.handler = func(_ callRecord, w http.ResponseWriter) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      "1",
				"error":   map[string]interface{}{"code": -32602, "message": "bad params"},
			})
		}

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		_, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x"}, nil)

		var protocolErr *ProtocolError
		require.ErrorAs(t, err, &protocolErr)
		assert.Equal(t, -32602, protocolErr.Code)
	})

	t.Run("should re-handshake exactly once on session error", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON("ok")
		ts.mu.Lock()
		ts.rejectNext = true
		ts.mu.Unlock()

		client, sessions := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		result, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", result.Data)

		// First handshake for the first call, one more after invalidation.
		assert.Equal(t, 2, sessions.HandshakeCount("bvbrc"))
		assert.Equal(t, 2, ts.callCount())
		assert.Equal(t, "tok-2", ts.lastCall().Session)
	})

	t.Run("should parse event-stream response", func(t *testing.T) {
		ts := newToolServer(t)
		ts.handler = func(_ callRecord, w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": ping\n")
			fmt.Fprint(w, "event: message\n")
			fmt.Fprint(w, `data: {"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"plain answer"}]}}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		result, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "plain answer", result.Data)
	})

	t.Run("should lift nextCursor from the result envelope", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON(map[string]interface{}{
			"nextCursor": "abc",
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": `[{"id":1}]`},
			},
		})

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		result, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "abc", result.NextCursor)
		assert.True(t, result.HasCursor())
	})

	t.Run("should return partial payload as data not error", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON(map[string]interface{}{
			"structuredContent": map[string]interface{}{
				"partial":         true,
				"batchesReceived": float64(3),
				"error":           "upstream reset",
				"records":         []interface{}{"a", "b"},
			},
		})

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		result, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x"}, nil)
		require.NoError(t, err)
		assert.True(t, result.Partial)
		assert.Equal(t, 3, result.BatchesReceived)
		assert.Equal(t, "upstream reset", result.PartialReason)
	})
}

func TestParameterOverrides(t *testing.T) {
	t.Run("should force-overwrite declared ownership params", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON("ok")

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		_, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": "x", "session_id": "planner-forged"},
			&CallContext{SessionID: "trusted-session"})
		require.NoError(t, err)

		assert.Equal(t, "trusted-session", ts.lastCall().Arguments["session_id"])
	})

	t.Run("should strip ownership params the schema does not declare", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON("ok")

		strict := catalog.ToolDefinition{
			Server:      "bvbrc",
			Name:        "strict_tool",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		}
		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{strict})

		_, err := client.Call(context.Background(), "bvbrc.strict_tool",
			map[string]interface{}{"query": "x", "session_id": "planner-forged", "user_id": "u"},
			&CallContext{SessionID: "trusted", UserID: "real"})
		require.NoError(t, err)

		args := ts.lastCall().Arguments
		assert.NotContains(t, args, "session_id")
		assert.NotContains(t, args, "user_id")
	})

	t.Run("should reject arguments violating the tool schema", func(t *testing.T) {
		ts := newToolServer(t)
		ts.respondJSON("ok")

		client, _ := newTestClient(t, ts, []catalog.ToolDefinition{searchTool()})

		_, err := client.Call(context.Background(), "bvbrc.genome_search",
			map[string]interface{}{"query": 17}, nil)

		var argErr *ArgumentError
		require.ErrorAs(t, err, &argErr)
		assert.Zero(t, ts.callCount(), "invalid call must not reach the server")
	})
}
