// Package server wires HTTP handlers into a ServeMux for the coderelay
// application via routing helpers.
package server

import (
	"log/slog"
	"net/http"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes:
// health check, WebSocket endpoint, and the frontend bundle for everything else.
func SetupRoutes(log *slog.Logger, hub *Hub, cfg *Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/ws", WebSocketHandler(log, hub, cfg))
	mux.Handle("/", SPAHandler(cfg.StaticDir))
	return mux
}
