package api

import (
	"context"

	"collab-relay/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler doesn't care about service implementation details - it only cares about
the methods it needs to call. Tests pass small fakes instead of a running
session manager or a real storage backend.
*/

// RoomLister is what the handlers need from the session manager
type RoomLister interface {
	Rooms(ctx context.Context) ([]models.RoomInfo, error)
}

// DocumentReader reads persisted documents by path
type DocumentReader interface {
	Read(ctx context.Context, path string) (string, error)
}
