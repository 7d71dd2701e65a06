// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check, the WebSocket endpoint, and the REST surface.
func SetupRoutes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.HandleFunc("GET /api/chats", h.ListChats)
	mux.HandleFunc("GET /api/chats/{chatId}/messages", h.ListMessages)
	mux.HandleFunc("GET /api/users", h.ListUsers)
	mux.HandleFunc("GET /api/me", h.Me)
	return mux
}
