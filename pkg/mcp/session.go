package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/harun/kairo/internal/config"
	"github.com/harun/kairo/internal/observability"
	"github.com/harun/kairo/internal/tracing"
)

// defaultSessionHeader is the header carrying the session token on both the
// handshake response and subsequent calls.
const defaultSessionHeader = "Mcp-Session-Id"

// Handle is one live session with a tool-server.
type Handle struct {
	ServerKey string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the handle carries an expiry that has passed.
func (h *Handle) Expired() bool {
	return !h.ExpiresAt.IsZero() && time.Now().After(h.ExpiresAt)
}

// SessionManager owns one session handle per tool-server. Handles are
// created lazily via the server handshake, cached, and invalidated when the
// client classifies a response as a session error.
type SessionManager struct {
	httpClient *http.Client
	logger     zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle

	// Concurrent GetOrCreate calls for the same uninitialized server key
	// coalesce onto a single in-flight handshake.
	group singleflight.Group

	handshakes map[string]int
	countMu    sync.Mutex
}

// NewSessionManager creates a session manager.
func NewSessionManager(httpClient *http.Client, logger zerolog.Logger) *SessionManager {
	observability.EnsureRegistered()

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &SessionManager{
		httpClient: httpClient,
		logger:     logger,
		handles:    make(map[string]*Handle),
		handshakes: make(map[string]int),
	}
}

// GetOrCreate returns the cached handle for serverKey, performing the
// handshake on first use or after invalidation.
func (sm *SessionManager) GetOrCreate(ctx context.Context, serverKey string, srv config.ServerConfig, authToken string) (*Handle, error) {
	sm.mu.RLock()
	handle, ok := sm.handles[serverKey]
	sm.mu.RUnlock()

	if ok && !handle.Expired() {
		return handle, nil
	}

	result, err, _ := sm.group.Do(serverKey, func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have finished the
		// handshake while this one queued.
		sm.mu.RLock()
		cached, ok := sm.handles[serverKey]
		sm.mu.RUnlock()
		if ok && !cached.Expired() {
			return cached, nil
		}

		return sm.handshake(ctx, serverKey, srv, authToken)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Handle), nil
}

// Clear invalidates the handle for serverKey, forcing the next call to
// re-handshake.
func (sm *SessionManager) Clear(serverKey string) {
	sm.mu.Lock()
	_, existed := sm.handles[serverKey]
	delete(sm.handles, serverKey)
	count := len(sm.handles)
	sm.mu.Unlock()

	if existed {
		sm.logger.Debug().Str("server_key", serverKey).Msg("Session handle invalidated")
		observability.SetActiveSessions(count)
	}
}

// HandshakeCount returns how many handshakes have been performed for
// serverKey. Exposed for tests and diagnostics.
func (sm *SessionManager) HandshakeCount(serverKey string) int {
	sm.countMu.Lock()
	defer sm.countMu.Unlock()
	return sm.handshakes[serverKey]
}

func (sm *SessionManager) handshake(ctx context.Context, serverKey string, srv config.ServerConfig, authToken string) (*Handle, error) {
	logger := tracing.LoggerFromContext(ctx, sm.logger).With().Str("server_key", serverKey).Logger()

	sm.countMu.Lock()
	sm.handshakes[serverKey]++
	sm.countMu.Unlock()

	reqID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "initialize",
		ID:      reqID,
		Params: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{},
			"clientInfo": map[string]interface{}{
				"name":    "kairo",
				"version": "0.1.0",
			},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handshake request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build handshake request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := sm.httpClient.Do(httpReq)
	if err != nil {
		observability.RecordSessionHandshake(serverKey, false)
		return nil, fmt.Errorf("handshake with %s failed: %w", serverKey, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		observability.RecordSessionHandshake(serverKey, false)
		return nil, &SessionError{ServerKey: serverKey, Message: fmt.Sprintf("handshake returned HTTP %d", resp.StatusCode)}
	}

	header := srv.SessionHeader
	if header == "" {
		header = defaultSessionHeader
	}

	token := resp.Header.Get(header)
	if token == "" {
		observability.RecordSessionHandshake(serverKey, false)
		return nil, &SessionError{ServerKey: serverKey, Message: "handshake response carried no session token"}
	}

	handle := &Handle{
		ServerKey: serverKey,
		Token:     token,
	}
	if expiresIn := resp.Header.Get("Mcp-Session-Expires-In"); expiresIn != "" {
		if d, err := time.ParseDuration(expiresIn); err == nil {
			handle.ExpiresAt = time.Now().Add(d)
		}
	}

	sm.mu.Lock()
	sm.handles[serverKey] = handle
	count := len(sm.handles)
	sm.mu.Unlock()

	observability.RecordSessionHandshake(serverKey, true)
	observability.SetActiveSessions(count)
	logger.Info().Msg("Tool-server session established")

	return handle, nil
}
