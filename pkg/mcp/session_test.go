package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kairo/internal/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

// fakeServer stands in for a remote tool-server.
type fakeServer struct {
	*httptest.Server
	handshakes atomic.Int64
	mu         sync.Mutex
	lastAuth   string
}

func newFakeHandshakeServer(t *testing.T, token string) *fakeServer {
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "initialize", req.Method)

		fs.handshakes.Add(1)
		fs.mu.Lock()
		fs.lastAuth = r.Header.Get("Authorization")
		fs.mu.Unlock()

		w.Header().Set("Mcp-Session-Id", token)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID})
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestGetOrCreate(t *testing.T) {
	t.Run("should handshake lazily and cache the handle", func(t *testing.T) {
		fs := newFakeHandshakeServer(t, "tok-1")
		sm := NewSessionManager(nil, testLogger())
		srv := config.ServerConfig{URL: fs.URL}

		h1, err := sm.GetOrCreate(context.Background(), "bvbrc", srv, "secret")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", h1.Token)
		assert.Equal(t, "bvbrc", h1.ServerKey)

		h2, err := sm.GetOrCreate(context.Background(), "bvbrc", srv, "secret")
		require.NoError(t, err)
		assert.Same(t, h1, h2)

		assert.Equal(t, int64(1), fs.handshakes.Load())
		fs.mu.Lock()
		assert.Equal(t, "Bearer secret", fs.lastAuth)
		fs.mu.Unlock()
	})

	t.Run("should coalesce concurrent handshakes for one server", func(t *testing.T) {
		slow := &fakeServer{}
		slow.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slow.handshakes.Add(1)
			time.Sleep(50 * time.Millisecond)
			w.Header().Set("Mcp-Session-Id", "tok-slow")
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0"})
		}))
		defer slow.Close()

		sm := NewSessionManager(nil, testLogger())
		srv := config.ServerConfig{URL: slow.URL}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := sm.GetOrCreate(context.Background(), "bvbrc", srv, "")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), slow.handshakes.Load(),
			"second caller must wait for the in-flight handshake, not issue its own")
	})

	t.Run("should keep separate handles per server key", func(t *testing.T) {
		fsA := newFakeHandshakeServer(t, "tok-a")
		fsB := newFakeHandshakeServer(t, "tok-b")
		sm := NewSessionManager(nil, testLogger())

		hA, err := sm.GetOrCreate(context.Background(), "a", config.ServerConfig{URL: fsA.URL}, "")
		require.NoError(t, err)
		hB, err := sm.GetOrCreate(context.Background(), "b", config.ServerConfig{URL: fsB.URL}, "")
		require.NoError(t, err)

		assert.Equal(t, "tok-a", hA.Token)
		assert.Equal(t, "tok-b", hB.Token)
	})

	t.Run("should fail when handshake returns no session token", func(t *testing.T) {
		bare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0"})
		}))
		defer bare.Close()

		sm := NewSessionManager(nil, testLogger())
		_, err := sm.GetOrCreate(context.Background(), "bvbrc", config.ServerConfig{URL: bare.URL}, "")

		var sessionErr *SessionError
		require.ErrorAs(t, err, &sessionErr)
	})
}

func TestClear(t *testing.T) {
	t.Run("should force re-handshake on next use", func(t *testing.T) {
		fs := newFakeHandshakeServer(t, "tok")
		sm := NewSessionManager(nil, testLogger())
		srv := config.ServerConfig{URL: fs.URL}

		_, err := sm.GetOrCreate(context.Background(), "bvbrc", srv, "")
		require.NoError(t, err)

		sm.Clear("bvbrc")

		_, err = sm.GetOrCreate(context.Background(), "bvbrc", srv, "")
		require.NoError(t, err)

		assert.Equal(t, 2, sm.HandshakeCount("bvbrc"))
	})

	t.Run("should tolerate clearing an unknown key", func(t *testing.T) {
		sm := NewSessionManager(nil, testLogger())
		sm.Clear("ghost")
	})
}

func TestHandleExpired(t *testing.T) {
	h := &Handle{ServerKey: "s", Token: "t"}
	assert.False(t, h.Expired(), "handle without expiry never expires")

	h.ExpiresAt = time.Now().Add(-time.Second)
	assert.True(t, h.Expired())
}
