package collaboration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"collab-relay/internal/crdt"
	"collab-relay/internal/documents"
	"collab-relay/internal/protocol"
	"collab-relay/internal/repository"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const never = time.Hour

func newTestManager(t *testing.T, store DocumentStore, delay time.Duration) *SessionManager {
	t.Helper()
	sm := NewSessionManager(documents.NewFactory(), store, Options{
		SaveDelay:  delay,
		SendBuffer: 64,
	})
	sm.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sm.Shutdown(ctx)
	})
	return sm
}

// join opens a session without a transport and consumes its handshake
func join(t *testing.T, sm *SessionManager, target string) *Session {
	t.Helper()
	kind, path, err := ParseTarget(target)
	assert.Equal(t, err, nil)

	s := sm.NewSession(context.Background(), kind, path, "test", nil)
	assert.Equal(t, sm.Join(s), nil)
	assert.Equal(t, next(t, s), protocol.Handshake)
	return s
}

func send(t *testing.T, sm *SessionManager, s *Session, frame []byte) {
	t.Helper()
	assert.Equal(t, sm.Receive(s, frame), nil)
}

func next(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame, ok := <-s.Outbound():
		if !ok {
			t.Fatalf("outbound of %s closed", s.ID)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame on %s", s.ID)
	}
	return nil
}

// settle waits until the loop processed everything queued before the call
func settle(t *testing.T, sm *SessionManager) {
	t.Helper()
	_, err := sm.Rooms(context.Background())
	assert.Equal(t, err, nil)
}

func expectIdle(t *testing.T, sm *SessionManager, sessions ...*Session) {
	t.Helper()
	settle(t, sm)
	for _, s := range sessions {
		if n := len(s.Outbound()); n != 0 {
			t.Fatalf("session %s has %d unexpected frames", s.ID, n)
		}
	}
}

func roomKeys(t *testing.T, sm *SessionManager) []string {
	t.Helper()
	rooms, err := sm.Rooms(context.Background())
	assert.Equal(t, err, nil)
	keys := []string{}
	for _, room := range rooms {
		keys = append(keys, room.Key)
	}
	return keys
}

// editor produces updates the way a browser client would
type editor struct {
	doc documents.Adapter
}

func newEditor(client crdt.ClientID) *editor {
	return &editor{doc: documents.NewFile(client)}
}

func (e *editor) set(t *testing.T, source string) []byte {
	t.Helper()
	update, err := e.doc.SetSource(source)
	assert.Equal(t, err, nil)
	return protocol.EncodeUpdate(update)
}

// fetch asks the server for everything through a fresh session's SyncStep1.
// Every other session in the room receives that SyncStep1 too.
func fetch(t *testing.T, sm *SessionManager, target string) string {
	t.Helper()
	s := join(t, sm, target)
	defer sm.Leave(s)

	send(t, sm, s, protocol.EncodeSyncStep1(crdt.StateVector{}.Encode()))
	return readStep2(t, next(t, s))
}

// readStep2 renders the file source carried by a SyncStep2 frame
func readStep2(t *testing.T, frame []byte) string {
	t.Helper()
	msg, err := protocol.Decode(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Type, protocol.MessageSyncStep2)

	diffs, err := protocol.SplitFrames(msg.Payload)
	assert.Equal(t, err, nil)
	replica := documents.NewFile(99)
	for _, diff := range diffs {
		assert.Equal(t, replica.Apply(diff), nil)
	}
	source, _ := replica.TryMaterialize()
	return source
}

func TestSessionManager_RoomCreationAndRemoval(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	s := join(t, sm, "file:/tmp/a.txt")
	assert.Equal(t, roomKeys(t, sm), []string{"/tmp/a.txt"})
	assert.Equal(t, s.RoomKey(), "/tmp/a.txt")

	sm.Leave(s)
	assert.Equal(t, roomKeys(t, sm), []string{})

	// Leaving twice is harmless
	sm.Leave(s)
	assert.Equal(t, roomKeys(t, sm), []string{})
}

func TestSessionManager_RoomInfo(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "notebook:/n.ipynb")
	join(t, sm, "file:/n.ipynb")
	send(t, sm, a, protocol.EncodeControl(protocol.MessagePutInitialContent, []byte("{}")))

	rooms, err := sm.Rooms(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rooms), 1)
	assert.Equal(t, rooms[0].Kind, documents.KindNotebook)
	assert.Equal(t, rooms[0].Clients, 2)
	assert.Equal(t, rooms[0].ContentLen, 2)
	assert.Equal(t, rooms[0].Dirty, false)
}

func TestSessionManager_BroadcastExcludesSender(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/tmp/a.txt")
	b := join(t, sm, "file:/tmp/a.txt")
	c := join(t, sm, "file:/tmp/a.txt")
	other := join(t, sm, "file:/tmp/other.txt")

	frame := newEditor(7).set(t, "hello")
	send(t, sm, a, frame)

	assert.Equal(t, next(t, b), frame)
	assert.Equal(t, next(t, c), frame)
	expectIdle(t, sm, a, other)
}

func TestSessionManager_BroadcastPreservesOrder(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/order.txt")
	b := join(t, sm, "file:/order.txt")

	ed := newEditor(7)
	var frames [][]byte
	for i := range 5 {
		frame := ed.set(t, fmt.Sprintf("v%d", i))
		frames = append(frames, frame)
		send(t, sm, a, frame)
	}
	for _, frame := range frames {
		assert.Equal(t, next(t, b), frame)
	}
	assert.Equal(t, fetch(t, sm, "file:/order.txt"), "v4")
}

func TestSessionManager_SyncStep1RepliesToSenderAndReachesSiblings(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/doc.txt")
	b := join(t, sm, "file:/doc.txt")
	c := join(t, sm, "file:/doc.txt")
	send(t, sm, a, newEditor(7).set(t, "shared"))
	next(t, b)
	next(t, c)

	step1 := protocol.EncodeSyncStep1(crdt.StateVector{}.Encode())
	send(t, sm, b, step1)

	// Only the sender gets the SyncStep2 reply; siblings get the raw SyncStep1
	assert.Equal(t, readStep2(t, next(t, b)), "shared")
	assert.Equal(t, next(t, a), step1)
	assert.Equal(t, next(t, c), step1)
	expectIdle(t, sm, a, b, c)
}

func TestSessionManager_LoadsStoredContentIntoNewRoom(t *testing.T) {
	store := repository.NewMemoryStore()
	assert.Equal(t, store.Write(context.Background(), "/stored.txt", "from disk"), nil)
	sm := newTestManager(t, store, never)

	a := join(t, sm, "file:/stored.txt")
	msg, err := protocol.Decode(next(t, a))
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Type, protocol.MessageUpdate)
	replica := documents.NewFile(98)
	assert.Equal(t, replica.Apply(msg.Payload), nil)
	source, _ := replica.TryMaterialize()
	assert.Equal(t, source, "from disk")

	assert.Equal(t, fetch(t, sm, "file:/stored.txt"), "from disk")
	msg, err = protocol.Decode(next(t, a))
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Type, protocol.MessageSyncStep1)

	// Loading is not an edit: nothing to save
	rooms, err := sm.Rooms(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rooms), 1)
	assert.Equal(t, rooms[0].Dirty, false)
	assert.Equal(t, store.Writes("/stored.txt"), 1)
}

func TestSessionManager_UnresolvableUpdateDoesNotBlockRoom(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/shared.txt")
	b := join(t, sm, "file:/shared.txt")
	flooder := join(t, sm, "file:/shared.txt")

	ops := make([]crdt.Op, 0, 1000)
	for i := range 1000 {
		ops = append(ops, crdt.Op{
			ID:      crdt.ID{Client: 5, Clock: uint64(1000 + i)},
			Lamport: uint64(1000 + i),
			Kind:    crdt.OpSet,
			Target:  "meta",
			Key:     "k",
			Value:   []byte("1"),
		})
	}
	flood, err := msgpack.Marshal(map[string]any{"ops": ops})
	assert.Equal(t, err, nil)
	send(t, sm, flooder, protocol.EncodeUpdate(flood))

	select {
	case _, ok := <-flooder.Outbound():
		assert.Equal(t, ok, false)
	case <-time.After(2 * time.Second):
		t.Fatal("unresolvable update did not close the session")
	}
	assert.Equal(t, flooder.closeStatus(), websocket.CloseProtocolError)
	expectIdle(t, sm, a, b)

	frame := newEditor(7).set(t, "legit edit")
	send(t, sm, a, frame)
	assert.Equal(t, next(t, b), frame)
	expectIdle(t, sm, a)
	assert.Equal(t, fetch(t, sm, "file:/shared.txt"), "legit edit")
}

func TestSessionManager_InitialContent(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/doc.txt")
	send(t, sm, a, append([]byte{126}, "hello"...))

	b := join(t, sm, "file:/doc.txt")
	send(t, sm, b, []byte{127})
	assert.Equal(t, next(t, b), append([]byte{127}, "hello"...))

	// Control messages are never forwarded
	expectIdle(t, sm, a, b)
}

func TestSessionManager_RequestInitialContentEmpty(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/empty.txt")
	send(t, sm, a, []byte{127})
	assert.Equal(t, next(t, a), []byte{127})
}

func TestSessionManager_Rename(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/a")
	b := join(t, sm, "file:/a")

	send(t, sm, a, protocol.EncodeControl(protocol.MessageRenameSession, []byte("/a:/b")))
	assert.Equal(t, next(t, a), []byte{125, 1})

	assert.Equal(t, roomKeys(t, sm), []string{"/b"})
	assert.Equal(t, a.RoomKey(), "/b")
	assert.Equal(t, b.RoomKey(), "/b")

	// Subsequent traffic of both clients lands in /b
	ed := newEditor(8)
	frame := ed.set(t, "after rename")
	send(t, sm, b, frame)
	assert.Equal(t, next(t, a), frame)

	c := join(t, sm, "file:/b")
	frame = ed.set(t, "third client")
	send(t, sm, a, frame)
	assert.Equal(t, next(t, b), frame)
	assert.Equal(t, next(t, c), frame)
	expectIdle(t, sm, a)
}

func TestSessionManager_RenameOntoOccupiedKey(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/a")
	join(t, sm, "file:/c")

	send(t, sm, a, protocol.EncodeControl(protocol.MessageRenameSession, []byte("/a:/c")))
	assert.Equal(t, next(t, a), []byte{125, 0})
	assert.Equal(t, roomKeys(t, sm), []string{"/a", "/c"})
	assert.Equal(t, a.RoomKey(), "/a")

	send(t, sm, a, protocol.EncodeControl(protocol.MessageRenameSession, []byte("no separator")))
	assert.Equal(t, next(t, a), []byte{125, 0})
}

func TestSessionManager_DropsFramesStampedWithOldKey(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/a")
	b := join(t, sm, "file:/a")
	send(t, sm, a, protocol.EncodeControl(protocol.MessageRenameSession, []byte("/a:/b")))
	next(t, a)

	// A frame read by b's pump before the rename reached it
	sm.inbound <- inboundFrame{session: b, roomKey: "/a", data: newEditor(9).set(t, "late")}
	expectIdle(t, sm, a, b)
	assert.Equal(t, fetch(t, sm, "file:/b"), "")
}

func TestSessionManager_MalformedFrameClosesOnlySender(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/good.txt")
	send(t, sm, a, newEditor(7).set(t, "intact"))

	bad := join(t, sm, "file:/bad.txt")
	// SyncStep1 whose length varint never terminates
	send(t, sm, bad, []byte{0, 0x80})

	select {
	case _, ok := <-bad.Outbound():
		assert.Equal(t, ok, false)
	case <-time.After(2 * time.Second):
		t.Fatal("malformed frame did not close the session")
	}
	assert.Equal(t, bad.closeStatus(), websocket.CloseProtocolError)

	// Frames after the close are ignored
	send(t, sm, bad, []byte{127})
	settle(t, sm)

	expectIdle(t, sm, a)
	assert.Equal(t, fetch(t, sm, "file:/good.txt"), "intact")

	sm.Leave(bad)
	assert.Equal(t, roomKeys(t, sm), []string{"/good.txt"})
}

func TestSessionManager_UnknownMessageType(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	s := join(t, sm, "file:/x")
	send(t, sm, s, []byte{42, 1, 2})

	select {
	case _, ok := <-s.Outbound():
		assert.Equal(t, ok, false)
	case <-time.After(2 * time.Second):
		t.Fatal("unknown message type did not close the session")
	}
}

func TestSessionManager_ContentSavedFromClientIgnored(t *testing.T) {
	sm := newTestManager(t, repository.NewMemoryStore(), never)

	a := join(t, sm, "file:/x")
	b := join(t, sm, "file:/x")
	send(t, sm, a, []byte{124, 1})
	expectIdle(t, sm, a, b)
}

func TestSessionManager_SlowConsumerIsClosed(t *testing.T) {
	sm := NewSessionManager(documents.NewFactory(), repository.NewMemoryStore(), Options{
		SaveDelay:  never,
		SendBuffer: 2,
	})
	sm.Start()
	defer sm.Shutdown(context.Background())

	a := join(t, sm, "file:/slow")
	b := join(t, sm, "file:/slow")

	ed := newEditor(7)
	for i := range 4 {
		send(t, sm, a, ed.set(t, fmt.Sprintf("v%d", i)))
	}
	settle(t, sm)

	// b never drained its queue: two frames fit, then the session is closed
	next(t, b)
	next(t, b)
	_, ok := <-b.Outbound()
	assert.Equal(t, ok, false)
	assert.Equal(t, b.closeStatus(), websocket.ClosePolicyViolation)
}

func TestSessionManager_JoinAfterShutdown(t *testing.T) {
	sm := NewSessionManager(documents.NewFactory(), repository.NewMemoryStore(), Options{})
	sm.Start()
	assert.Equal(t, sm.Shutdown(context.Background()), nil)

	s := sm.NewSession(context.Background(), documents.KindFile, "/late", "test", nil)
	assert.Equal(t, sm.Join(s), ErrShuttingDown)
	assert.Equal(t, sm.Receive(s, []byte{127}), ErrShuttingDown)

	_, err := sm.Rooms(context.Background())
	assert.Equal(t, err, ErrShuttingDown)
}

func TestSessionManager_ShutdownClosesSessions(t *testing.T) {
	sm := NewSessionManager(documents.NewFactory(), repository.NewMemoryStore(), Options{SaveDelay: never})
	sm.Start()

	s := join(t, sm, "file:/open")
	assert.Equal(t, sm.Shutdown(context.Background()), nil)

	_, ok := <-s.Outbound()
	assert.Equal(t, ok, false)
	assert.Equal(t, s.closeStatus(), websocket.CloseGoingAway)
}
