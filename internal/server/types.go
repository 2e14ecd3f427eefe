// Package server defines shared message types and utility helpers that are
// reused across client and hub logic.
package server

import (
	"strings"

	"github.com/Tyrowin/coderelay/internal/protocol"
)

// inboundEvent is a decoded frame together with the connection that sent it.
type inboundEvent struct {
	client   *Client
	envelope protocol.Envelope
}

// compileResult is the codeResponse payload for a room, produced off the hub loop.
type compileResult struct {
	roomID  string
	payload any
}

// Session is the per-connection room state. It is only read and written by the hub loop.
type Session struct {
	Room string
	User string
}

// Joined reports whether the session currently occupies a room.
func (s *Session) Joined() bool {
	return s.Room != "" && s.User != ""
}

func (s *Session) clear() {
	s.Room = ""
	s.User = ""
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
