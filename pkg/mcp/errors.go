package mcp

import (
	"fmt"
	"regexp"
)

// ProtocolError is a tool-server rejection of a call. Always fatal for the
// call that raised it.
type ProtocolError struct {
	ToolID  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tool-server rejected %s (%d): %s", e.ToolID, e.Code, e.Message)
}

// SessionError is a stale or invalid session. The client invalidates the
// handle and retries the call once.
type SessionError struct {
	ServerKey string
	Message   string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session error on %s: %s", e.ServerKey, e.Message)
}

// ArgumentError is raised when planner-proposed arguments fail schema
// validation before dispatch.
type ArgumentError struct {
	ToolID  string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolID, e.Message)
}

var sessionErrorPattern = regexp.MustCompile(`(?i)session|unauthorized|expired|invalid token`)

// isSessionError classifies a JSON-RPC error as session-scoped.
func isSessionError(code int, message string) bool {
	if code == 401 || code == -32001 {
		return true
	}
	return sessionErrorPattern.MatchString(message)
}
