package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a room
type Session struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"` // Document kind selected by the connection target
	Path         string    `json:"path"` // Room key at connect time
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// RoomInfo is a point-in-time view of one room
type RoomInfo struct {
	Key        string `json:"key"`
	Kind       string `json:"kind"`
	Clients    int    `json:"clients"`
	Dirty      bool   `json:"dirty"`
	ContentLen int    `json:"content_length"`
	Saving     bool   `json:"saving"`
}

func NewSession(kind, path, remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		Kind:         kind,
		Path:         path,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
