package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-relay/internal/crdt"
	"collab-relay/internal/documents"
	"collab-relay/internal/protocol"
	"collab-relay/internal/repository"

	"github.com/go-playground/assert/v2"
)

const saveDelay = 80 * time.Millisecond

// recordingStore records every write and can be told to fail or block
type recordingStore struct {
	mu      sync.Mutex
	writes  []recordedWrite
	fail    atomic.Bool
	gate    chan struct{} // when set, writes wait for it to be closed
	active  atomic.Int32
	overlap atomic.Bool
}

type recordedWrite struct {
	path    string
	content string
	at      time.Time
}

func (s *recordingStore) Write(ctx context.Context, path, content string) error {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)

	if s.gate != nil {
		<-s.gate
	}
	if s.fail.Load() {
		return errors.New("disk full")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, recordedWrite{path: path, content: content, at: time.Now()})
	return nil
}

func (s *recordingStore) Read(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("%w: %s", repository.ErrNotFound, path)
}

func (s *recordingStore) Writes() []recordedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedWrite(nil), s.writes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPersister_DebounceCoalescesBurst(t *testing.T) {
	store := &recordingStore{}
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "file:/tmp/burst.txt")
	ed := newEditor(7)

	var last time.Time
	for i := range 5 {
		frame := ed.set(t, fmt.Sprintf("draft %d", i))
		last = time.Now()
		send(t, sm, a, frame)
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, "the save", func() bool { return len(store.Writes()) == 1 })
	assert.Equal(t, next(t, a), []byte{124, 1})

	// Nothing else fires afterwards
	time.Sleep(3 * saveDelay)
	writes := store.Writes()
	assert.Equal(t, len(writes), 1)
	assert.Equal(t, writes[0].path, "/tmp/burst.txt")
	assert.Equal(t, writes[0].content, "draft 4")
	if gap := writes[0].at.Sub(last); gap < saveDelay {
		t.Fatalf("write happened %v after the last frame, want at least %v", gap, saveDelay)
	}

	rooms, err := sm.Rooms(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, rooms[0].Dirty, false)
}

func TestPersister_NotifiesEveryClient(t *testing.T) {
	store := repository.NewMemoryStore()
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "file:/shared.txt")
	b := join(t, sm, "file:/shared.txt")
	frame := newEditor(7).set(t, "saved text")
	send(t, sm, a, frame)
	assert.Equal(t, next(t, b), frame)

	assert.Equal(t, next(t, a), []byte{124, 1})
	assert.Equal(t, next(t, b), []byte{124, 1})

	content, err := store.Read(context.Background(), "/shared.txt")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "saved text")
}

func TestPersister_FailedWriteKeepsDocumentDirty(t *testing.T) {
	store := &recordingStore{}
	store.fail.Store(true)
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "file:/flaky.txt")
	ed := newEditor(7)
	send(t, sm, a, ed.set(t, "first"))

	time.Sleep(3 * saveDelay)
	expectIdle(t, sm, a)
	rooms, err := sm.Rooms(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, rooms[0].Dirty, true)

	// The next edit retries
	store.fail.Store(false)
	send(t, sm, a, ed.set(t, "second"))
	assert.Equal(t, next(t, a), []byte{124, 1})
	assert.Equal(t, store.Writes()[0].content, "second")
}

func TestPersister_NoConcurrentWritesForRoom(t *testing.T) {
	store := &recordingStore{gate: make(chan struct{})}
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "file:/slow.txt")
	ed := newEditor(7)
	send(t, sm, a, ed.set(t, "one"))

	waitFor(t, "the first write to start", func() bool { return store.active.Load() == 1 })
	send(t, sm, a, ed.set(t, "two"))
	time.Sleep(3 * saveDelay)
	assert.Equal(t, store.active.Load(), int32(1))

	close(store.gate)
	waitFor(t, "the follow-up write", func() bool { return len(store.Writes()) == 2 })

	writes := store.Writes()
	assert.Equal(t, writes[0].content, "one")
	assert.Equal(t, writes[1].content, "two")
	assert.Equal(t, store.overlap.Load(), false)
}

func TestPersister_SkipsDocumentNotRenderable(t *testing.T) {
	store := &recordingStore{}
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "notebook:/partial.ipynb")

	// Metadata alone does not make a notebook
	doc := crdt.NewDoc(7)
	update, err := doc.Transact(func(tx *crdt.Txn) error {
		return tx.Set(documents.NotebookFields, documents.FieldMetadata, map[string]any{})
	})
	assert.Equal(t, err, nil)
	send(t, sm, a, protocol.EncodeUpdate(update))

	time.Sleep(3 * saveDelay)
	expectIdle(t, sm, a)
	assert.Equal(t, len(store.Writes()), 0)
}

func TestPersister_SavesRoomRemovedWhileTimerPending(t *testing.T) {
	store := &recordingStore{}
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "file:/closed-early.txt")
	send(t, sm, a, newEditor(7).set(t, "last words"))
	sm.Leave(a)
	assert.Equal(t, roomKeys(t, sm), []string{})

	waitFor(t, "the save", func() bool { return len(store.Writes()) == 1 })
	assert.Equal(t, store.Writes()[0].content, "last words")
}

func TestPersister_SavesUnderRenamedKey(t *testing.T) {
	store := &recordingStore{}
	sm := newTestManager(t, store, saveDelay)

	a := join(t, sm, "file:/draft.txt")
	send(t, sm, a, newEditor(7).set(t, "moved"))
	send(t, sm, a, protocol.EncodeControl(protocol.MessageRenameSession, []byte("/draft.txt:/final.txt")))
	assert.Equal(t, next(t, a), []byte{125, 1})

	waitFor(t, "the save", func() bool { return len(store.Writes()) == 1 })
	assert.Equal(t, store.Writes()[0].path, "/final.txt")
}

func TestPersister_ShutdownFlushesDirtyRooms(t *testing.T) {
	store := repository.NewMemoryStore()
	sm := NewSessionManager(documents.NewFactory(), store, Options{SaveDelay: never})
	sm.Start()

	a := join(t, sm, "file:/pending.txt")
	send(t, sm, a, newEditor(7).set(t, "unsaved"))
	join(t, sm, "file:/clean.txt")

	assert.Equal(t, sm.Shutdown(context.Background()), nil)

	content, err := store.Read(context.Background(), "/pending.txt")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "unsaved")
	assert.Equal(t, store.Writes("/clean.txt"), 0)
}
