package memory

import (
	"context"
	"sync"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
)

type MemoryRoomStore struct {
	rooms map[domain.RoomID]domain.RoomRecord
	mu    sync.RWMutex
}

func NewMemoryRoomStore() ports.RoomStore {
	return &MemoryRoomStore{
		rooms: make(map[domain.RoomID]domain.RoomRecord),
	}
}

func (r *MemoryRoomStore) LoadRooms(ctx context.Context) (map[domain.RoomID]domain.RoomRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.RoomID]domain.RoomRecord, len(r.rooms))
	for id, rec := range r.rooms {
		out[id] = rec
	}
	return out, nil
}

func (r *MemoryRoomStore) SaveRooms(ctx context.Context, rooms map[domain.RoomID]domain.RoomRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms = make(map[domain.RoomID]domain.RoomRecord, len(rooms))
	for id, rec := range rooms {
		r.rooms[id] = rec
	}
	return nil
}
