package api

import (
	"net/http"

	"collab-relay/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes wires the HTTP surface. metrics serves /metrics and may be nil.
func SetupRoutes(h *Handler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	// Connection targets carry a path after the kind ("file:/a/b.txt"), which
	// must reach the handler exactly as sent.
	r.SkipClean(true)

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Collaboration endpoints
	api.HandleFunc("/collaboration/rooms", h.ListRooms).Methods("GET")
	api.HandleFunc("/collaboration/documents", h.GetDocument).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket route: /api/yjs/<kind>:<path>
	api.HandleFunc("/yjs/{target:.+}", h.HandleDocumentWebSocket)

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	return r
}
