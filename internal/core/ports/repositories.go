package ports

import (
	"context"

	"duet/internal/core/domain"
)

// RoomStore persists room records as one snapshot keyed by room id.
// A store with nothing saved yet returns an empty map, never an error.
type RoomStore interface {
	LoadRooms(ctx context.Context) (map[domain.RoomID]domain.RoomRecord, error)
	SaveRooms(ctx context.Context, rooms map[domain.RoomID]domain.RoomRecord) error
}

// UserStore persists registered users as one snapshot keyed by username.
type UserStore interface {
	LoadUsers(ctx context.Context) (map[string]domain.User, error)
	SaveUsers(ctx context.Context, users map[string]domain.User) error
}
