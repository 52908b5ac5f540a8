package collaboration

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"collab-relay/internal/documents"
	"collab-relay/internal/models"
)

// ErrRoomExists is returned when a rename targets a key held by another room
var ErrRoomExists = errors.New("room already exists")

// Room unites every session editing the same document. All fields are owned
// by the SessionManager loop.
type Room struct {
	key      string
	kind     string
	content  []byte // initial snapshot put by a client before sync starts
	document documents.Adapter
	clients  map[string]*Session // session id -> session, used for fan-out only

	// Persistence slot: at most one pending timer per room
	timer      *time.Timer
	timerToken uint64
	saving     bool // a write is in flight
	resave     bool // an edit arrived while saving
}

func newRoom(key, kind string, document documents.Adapter) *Room {
	return &Room{
		key:      key,
		kind:     kind,
		document: document,
		clients:  make(map[string]*Session),
	}
}

func (r *Room) info() models.RoomInfo {
	return models.RoomInfo{
		Key:        r.key,
		Kind:       r.kind,
		Clients:    len(r.clients),
		Dirty:      r.document.IsDirty(),
		ContentLen: len(r.content),
		Saving:     r.saving,
	}
}

// RoomRegistry maps room keys to rooms. It is not safe for concurrent use;
// the SessionManager loop is its only user.
type RoomRegistry struct {
	rooms   map[string]*Room
	factory *documents.Factory
}

func NewRoomRegistry(factory *documents.Factory) *RoomRegistry {
	return &RoomRegistry{
		rooms:   make(map[string]*Room),
		factory: factory,
	}
}

// GetOrCreate returns the room for key, creating it with a document of the
// given kind when it does not exist yet. An existing room keeps the kind it
// was created with.
func (g *RoomRegistry) GetOrCreate(kind, key string) (*Room, bool) {
	if room, ok := g.rooms[key]; ok {
		return room, false
	}
	room := newRoom(key, kind, g.factory.New(kind))
	g.rooms[key] = room
	return room, true
}

func (g *RoomRegistry) Get(key string) (*Room, bool) {
	room, ok := g.rooms[key]
	return room, ok
}

// Remove deletes room if it is still registered under its key.
func (g *RoomRegistry) Remove(room *Room) bool {
	if g.rooms[room.key] != room {
		return false
	}
	delete(g.rooms, room.key)
	return true
}

// Rename moves room to newKey. The old key no longer resolves afterwards.
func (g *RoomRegistry) Rename(room *Room, newKey string) error {
	if g.rooms[room.key] != room {
		return fmt.Errorf("room %s is not registered", room.key)
	}
	if other, ok := g.rooms[newKey]; ok && other != room {
		return fmt.Errorf("%w: %s", ErrRoomExists, newKey)
	}
	delete(g.rooms, room.key)
	room.key = newKey
	g.rooms[newKey] = room
	return nil
}

func (g *RoomRegistry) Len() int {
	return len(g.rooms)
}

// Rooms returns every registered room ordered by key.
func (g *RoomRegistry) Rooms() []*Room {
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	slices.SortFunc(rooms, func(a, b *Room) int {
		return strings.Compare(a.key, b.key)
	})
	return rooms
}
