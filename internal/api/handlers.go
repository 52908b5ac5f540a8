package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"collab-relay/internal/repository"
	"collab-relay/internal/services/collaboration"

	"github.com/sirupsen/logrus"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	rooms     RoomLister
	docs      DocumentReader
	wsHandler *collaboration.WebSocketHandler // WebSocket for real-time collab
}

func NewHandler(rooms RoomLister, docs DocumentReader, wsHandler *collaboration.WebSocketHandler) *Handler {
	return &Handler{
		rooms:     rooms,
		docs:      docs,
		wsHandler: wsHandler,
	}
}

// DocumentResponse is the body of GET /api/collaboration/documents
type DocumentResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListRooms returns every open room with its client count and save state
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.Rooms(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// GetDocument returns the last saved content of the document at ?path=
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	content, err := h.docs.Read(r.Context(), path)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("Failed to read document")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, DocumentResponse{Path: path, Content: content})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
