// Package server implements the HTTP and WebSocket relay for coderelay.
//
// A single Hub goroutine owns the room registry and every connection's
// session, so event handlers never race. The implementation is organized into
// specialized files for configuration, hub management, session handlers,
// clients, routing, and HTTP handlers.
package server
