package memory

import (
	"context"
	"testing"
	"time"

	"duet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoomStore_SaveReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	empty, err := store.LoadRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	pw := "secret"
	require.NoError(t, store.SaveRooms(ctx, map[domain.RoomID]domain.RoomRecord{
		"a": {ID: "a", Password: &pw, CreatedAt: time.Unix(100, 0)},
		"b": {ID: "b"},
	}))
	require.NoError(t, store.SaveRooms(ctx, map[domain.RoomID]domain.RoomRecord{
		"b": {ID: "b"},
	}))

	rooms, err := store.LoadRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
	assert.Contains(t, rooms, domain.RoomID("b"))
}

func TestMemoryRoomStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()
	require.NoError(t, store.SaveRooms(ctx, map[domain.RoomID]domain.RoomRecord{"a": {ID: "a"}}))

	rooms, _ := store.LoadRooms(ctx)
	delete(rooms, "a")

	again, _ := store.LoadRooms(ctx)
	assert.Len(t, again, 1)
}

func TestMemoryUserStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryUserStore()

	require.NoError(t, store.SaveUsers(ctx, map[string]domain.User{
		"alice": {Username: "alice", Role: domain.RoleFacilitator},
	}))

	users, err := store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Contains(t, users, "alice")
	assert.Equal(t, domain.RoleFacilitator, users["alice"].Role)
}
