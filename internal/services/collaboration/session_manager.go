package collaboration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-relay/internal/documents"
	"collab-relay/internal/middleware"
	"collab-relay/internal/models"
	"collab-relay/internal/protocol"
	"collab-relay/internal/repository"
	"collab-relay/internal/telemetry"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: SINGLE-OWNER EVENT LOOP

Every room, every document and the registry itself are owned by one goroutine.
Other goroutines never touch them; they send events instead:

1. **register / unregister**: a session opening or closing
2. **inbound**: one frame read by a session's ReadPump
3. **tasks**: closures posted by timers, storage writes and API queries

Because a single goroutine applies frames, updates to a room's document are
serialized in arrival order without any mutex. Fan-out never blocks the loop:
each sibling has a buffered send channel and a full channel closes that
session instead of stalling the room.
*/

// ErrShuttingDown is returned by Join, Receive and Rooms once Shutdown started
var ErrShuttingDown = errors.New("session manager shutting down")

const loadTimeout = 30 * time.Second

// Options tunes the SessionManager
type Options struct {
	SaveDelay      time.Duration // Debounce window before a dirty document is written
	SendBuffer     int           // Outbound frames queued per session
	MaxMessageSize int64         // Largest inbound frame accepted by ReadPump
	Metrics        *telemetry.Metrics
}

func (o *Options) withDefaults() {
	if o.SaveDelay <= 0 {
		o.SaveDelay = time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 30
	}
}

// inboundFrame is one frame stamped with the room key current at receipt
type inboundFrame struct {
	session *Session
	roomKey string
	data    []byte
}

// SessionManager manages all active WebSocket sessions
// Learning: Central hub for coordinating real-time collaboration
type SessionManager struct {
	registry  *RoomRegistry
	persister *Persister
	store     DocumentStore
	opts      Options
	metrics   *telemetry.Metrics

	register   chan *Session
	unregister chan *Session
	inbound    chan inboundFrame
	tasks      chan func()

	// Control
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates a new session manager loading and saving
// documents through store
func NewSessionManager(factory *documents.Factory, store DocumentStore, opts Options) *SessionManager {
	opts.withDefaults()

	sm := &SessionManager{
		registry:   NewRoomRegistry(factory),
		store:      store,
		opts:       opts,
		metrics:    opts.Metrics,
		register:   make(chan *Session),
		unregister: make(chan *Session),
		inbound:    make(chan inboundFrame),
		tasks:      make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	sm.persister = NewPersister(store, opts.SaveDelay, sm.post, opts.Metrics)
	return sm
}

// Start begins the session manager event loop
// Learning: This goroutine handles all session events, one at a time
func (sm *SessionManager) Start() {
	logrus.Info("Starting WebSocket session manager")

	go func() {
		defer close(sm.stopped)
		for {
			select {
			case <-sm.done:
				logrus.Info("Session manager shutting down")
				return

			case s := <-sm.register:
				sm.handleRegister(s)

			case s := <-sm.unregister:
				sm.handleUnregister(s)

			case f := <-sm.inbound:
				sm.handleFrame(f)

			case fn := <-sm.tasks:
				fn()
			}
		}
	}()
}

// Shutdown stops the loop, closes every session and flushes dirty documents.
// It must be called after Start.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.stopOnce.Do(func() { close(sm.done) })

	select {
	case <-sm.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The loop is gone; this goroutine now owns the rooms.
	rooms := sm.registry.Rooms()
	for _, room := range rooms {
		for _, s := range room.clients {
			sm.closeSession(s, websocket.CloseGoingAway)
		}
	}

	return sm.persister.Flush(ctx, rooms)
}

// NewSession wraps a connection targeting the room path. conn may be nil when
// the caller drains Outbound itself.
func (sm *SessionManager) NewSession(ctx context.Context, kind, path, remoteAddr string, conn *websocket.Conn) *Session {
	s := &Session{
		Session: models.NewSession(kind, path, remoteAddr),
		Conn:    conn,
		send:    make(chan []byte, sm.opts.SendBuffer),
		manager: sm,
		ctx:     ctx,
	}
	s.setRoomKey(path)
	return s
}

// Join registers the session in its room and queues the handshake
func (sm *SessionManager) Join(s *Session) error {
	select {
	case sm.register <- s:
		return nil
	case <-sm.done:
		return ErrShuttingDown
	}
}

// Leave removes the session from its room. Calling it twice is harmless.
func (sm *SessionManager) Leave(s *Session) {
	select {
	case sm.unregister <- s:
	case <-sm.done:
	}
}

// Receive hands one inbound frame to the loop. The frame is bound to the room
// key the session holds right now.
func (sm *SessionManager) Receive(s *Session, frame []byte) error {
	select {
	case sm.inbound <- inboundFrame{session: s, roomKey: s.RoomKey(), data: frame}:
		return nil
	case <-sm.done:
		return ErrShuttingDown
	}
}

// Rooms returns a snapshot of every registered room
func (sm *SessionManager) Rooms(ctx context.Context) ([]models.RoomInfo, error) {
	result := make(chan []models.RoomInfo, 1)
	ok := sm.post(func() {
		rooms := sm.registry.Rooms()
		infos := make([]models.RoomInfo, 0, len(rooms))
		for _, room := range rooms {
			infos = append(infos, room.info())
		}
		result <- infos
	})
	if !ok {
		return nil, ErrShuttingDown
	}

	select {
	case infos := <-result:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// post runs fn on the loop. It reports false once the loop stopped.
// Never call it from the loop itself.
func (sm *SessionManager) post(fn func()) bool {
	select {
	case sm.tasks <- fn:
		return true
	case <-sm.done:
		return false
	}
}

// handleRegister adds a session to a document room
func (sm *SessionManager) handleRegister(s *Session) {
	room, created := sm.registry.GetOrCreate(s.Kind, s.RoomKey())
	if created {
		sm.metrics.SetRooms(sm.registry.Len())
		if !sm.registry.factory.Known(s.Kind) {
			s.logger().WithField("kind", s.Kind).Debug("Unknown document kind, using the default adapter")
		}
		sm.loadRoom(room)
	}

	room.clients[s.ID] = s
	s.room = room
	s.setRoomKey(room.key)
	sm.metrics.SessionOpened()

	s.logger().WithField("clients", len(room.clients)).Info("Session joined room")

	// A session that cannot even take the handshake ends right here
	if err := s.deliver(protocol.HandshakeFrame()); err != nil {
		s.logger().WithError(err).Warn("Failed to deliver handshake")
		sm.handleUnregister(s)
	}
}

// loadRoom reads the stored content of a new room off the loop
func (sm *SessionManager) loadRoom(room *Room) {
	key := room.key
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		content, err := sm.store.Read(ctx, key)
		sm.post(func() { sm.finishLoad(room, key, content, err) })
	}()
}

// finishLoad seeds a still empty document with its stored content and sends
// the resulting update to everyone already in the room. Loading never marks
// the document dirty.
func (sm *SessionManager) finishLoad(room *Room, key, content string, err error) {
	log := logrus.WithFields(logrus.Fields{"room": key, "kind": room.kind})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Debug("Nothing stored yet, room starts empty")
		return
	case err != nil:
		log.WithError(err).Warn("Failed to load stored content, room starts empty")
		return
	}

	if current, ok := sm.registry.Get(key); !ok || current != room {
		log.Debug("Room removed or renamed before its content loaded")
		return
	}
	// Edits that arrived first win over the stored copy
	if _, ok := room.document.TryMaterialize(); ok {
		log.Debug("Room already has content, skipping stored copy")
		return
	}

	wasDirty := room.document.IsDirty()
	update, err := room.document.SetSource(content)
	if err != nil {
		log.WithError(err).Warn("Stored content rejected by the document")
		return
	}
	if !wasDirty {
		room.document.ClearDirty()
	}
	if len(update) == 0 {
		return
	}

	frame := protocol.EncodeUpdate(update)
	for _, client := range room.clients {
		if err := client.deliver(frame); err != nil {
			sm.dropSlowSession(client, err)
		}
	}
	log.WithField("bytes", len(content)).Info("Loaded stored content")
}

// handleUnregister removes a session from its room
func (sm *SessionManager) handleUnregister(s *Session) {
	if s.left {
		return
	}
	s.left = true
	sm.closeSession(s, websocket.CloseNormalClosure)
	sm.metrics.SessionClosed()

	room := s.room
	if room == nil {
		return
	}
	delete(room.clients, s.ID)

	// Remove empty rooms
	if len(room.clients) == 0 && sm.registry.Remove(room) {
		sm.metrics.SetRooms(sm.registry.Len())
		s.logger().Info("Room removed")
	}

	s.logger().WithField("remaining", len(room.clients)).Info("Session left room")
}

// closeSession closes the outbound queue so WritePump sends a close frame
func (sm *SessionManager) closeSession(s *Session, code int) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	close(s.send)
}

// handleFrame processes one frame on behalf of its session
func (sm *SessionManager) handleFrame(f inboundFrame) {
	s := f.session
	if s.closed {
		sm.metrics.DroppedFrame("closed")
		return
	}

	room := s.room
	if room == nil || f.roomKey != room.key {
		s.logger().WithField("stamped_room", f.roomKey).Debug("Dropping frame addressed to a renamed room")
		sm.metrics.DroppedFrame("stale_room")
		return
	}
	s.LastActiveAt = time.Now()

	ctx, span := middleware.StartSpan(s.ctx, "collaboration.frame",
		attribute.String("session.id", s.ID),
		attribute.String("room", room.key),
		attribute.Int("bytes", len(f.data)),
	)
	defer span.End()

	msg, err := protocol.Decode(f.data)
	if err != nil {
		sm.failSession(ctx, s, err)
		return
	}
	sm.metrics.Frame(msg.Type.String())

	if msg.Type.IsControl() {
		sm.handleControl(ctx, s, room, msg)
		return
	}
	sm.handleSync(ctx, s, room, msg, f.data)
}

func (sm *SessionManager) handleControl(ctx context.Context, s *Session, room *Room, msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageRequestInitialContent:
		if err := s.deliver(protocol.EncodeControl(protocol.MessageRequestInitialContent, room.content)); err != nil {
			s.logger().WithError(err).Debug("Failed to deliver initial content")
		}

	case protocol.MessagePutInitialContent:
		room.content = bytes.Clone(msg.Payload)
		s.logger().WithField("bytes", len(room.content)).Debug("Initial content stored")

	case protocol.MessageRenameSession:
		sm.handleRename(ctx, s, room, msg.Payload)

	default:
		// content-saved only travels from the server to clients
		s.logger().WithField("type", msg.Type.String()).Warn("Ignoring server-only control message")
		sm.metrics.DroppedFrame("server_only")
	}
}

// handleRename moves the room to a new key. Every session of the room follows
// it; frames read under the old key before this point are dropped.
func (sm *SessionManager) handleRename(ctx context.Context, s *Session, room *Room, payload []byte) {
	_, newKey, err := protocol.ParseRename(payload)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		s.logger().WithError(err).Warn("Invalid rename request")
		sm.ack(s, protocol.MessageRenameSession, false)
		return
	}

	if newKey != room.key {
		oldKey := room.key
		if err := sm.registry.Rename(room, newKey); err != nil {
			middleware.AddSpanError(ctx, err)
			s.logger().WithError(err).WithField("target", newKey).Warn("Rename rejected")
			sm.ack(s, protocol.MessageRenameSession, false)
			return
		}
		for _, client := range room.clients {
			client.setRoomKey(newKey)
		}
		middleware.AddSpanEvent(ctx, "room.renamed",
			attribute.String("from", oldKey),
			attribute.String("to", newKey),
		)
		logrus.WithFields(logrus.Fields{
			"from":    oldKey,
			"to":      newKey,
			"clients": len(room.clients),
		}).Info("Room renamed")
	}

	sm.ack(s, protocol.MessageRenameSession, true)
}

func (sm *SessionManager) handleSync(ctx context.Context, s *Session, room *Room, msg protocol.Message, raw []byte) {
	replies, err := protocol.ReadSyncMessage(room.document, msg)
	if err != nil {
		sm.failSession(ctx, s, err)
		return
	}

	for _, reply := range replies {
		if err := s.deliver(reply); err != nil {
			sm.dropSlowSession(s, err)
			return
		}
	}

	if room.document.IsDirty() {
		sm.persister.Schedule(room)
	}

	sm.broadcast(room, s, raw)
}

// broadcast sends frame to every session in room except sender
func (sm *SessionManager) broadcast(room *Room, sender *Session, frame []byte) {
	delivered := 0
	for id, client := range room.clients {
		if id == sender.ID {
			continue
		}
		if err := client.deliver(frame); err != nil {
			sm.dropSlowSession(client, err)
			continue
		}
		delivered++
	}
	sm.metrics.Broadcast(delivered)
}

// dropSlowSession closes a session that cannot keep up. The session stays in
// its room until its ReadPump notices the close and calls Leave.
func (sm *SessionManager) dropSlowSession(s *Session, err error) {
	if errors.Is(err, ErrTransportClosed) {
		return
	}
	s.logger().WithError(err).Warn("Closing slow session")
	sm.metrics.DroppedFrame("slow_consumer")
	sm.closeSession(s, websocket.ClosePolicyViolation)
}

// failSession closes a session that sent a malformed frame
func (sm *SessionManager) failSession(ctx context.Context, s *Session, err error) {
	middleware.AddSpanError(ctx, err)
	s.logger().WithError(err).Warn("Protocol error, closing session")
	sm.metrics.ProtocolError()
	sm.closeSession(s, websocket.CloseProtocolError)
}

func (sm *SessionManager) ack(s *Session, t protocol.MessageType, ok bool) {
	if err := s.deliver(protocol.EncodeAck(t, ok)); err != nil {
		sm.dropSlowSession(s, fmt.Errorf("deliver %s ack: %w", t, err))
	}
}
