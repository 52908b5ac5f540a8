package collaboration

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"collab-relay/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ErrInvalidTarget is returned by ParseTarget for identifiers not of the form kind:path
var ErrInvalidTarget = errors.New("invalid connection target")

// ParseTarget splits a connection target "<kind>:<path>". Only the first colon
// separates the two, so paths may contain colons.
func ParseTarget(target string) (kind, path string, err error) {
	kind, path, ok := strings.Cut(target, ":")
	if !ok || kind == "" || path == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return kind, path, nil
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleDocumentConnection handles a WebSocket connection for the target in
// the "target" route variable
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	kind, path, err := ParseTarget(mux.Vars(r)["target"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Create span for connection
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.kind", kind),
		attribute.String("document.path", path),
	)
	defer span.End()

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("Failed to upgrade WebSocket")
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.NewSession(ctx, kind, path, r.RemoteAddr, conn)
	if err := h.sessionManager.Join(session); err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}

	session.logger().WithFields(logrus.Fields{
		"kind":        kind,
		"remote_addr": r.RemoteAddr,
	}).Info("WebSocket connection established")

	// Learning: Separate goroutines prevent deadlock between reading and writing.
	// The read side runs here so the request context lives as long as the session.
	go session.WritePump()
	session.ReadPump()
}
