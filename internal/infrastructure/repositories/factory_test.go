package repositories

import (
	"context"
	"testing"

	"duet/internal/core/domain"
	"duet/internal/infrastructure/repositories/file"
	"duet/internal/infrastructure/repositories/memory"
	"duet/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	f, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "memory", f.Driver())
	assert.IsType(t, &memory.MemoryRoomStore{}, f.CreateRoomStore())
	assert.IsType(t, &memory.MemoryUserStore{}, f.CreateUserStore())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRepositoryFactory_File(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "file"
	cfg.Storage.DataDir = t.TempDir()

	f, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	rooms := f.CreateRoomStore()
	assert.IsType(t, &file.FileRoomStore{}, rooms)
	require.NoError(t, rooms.SaveRooms(context.Background(), map[domain.RoomID]domain.RoomRecord{"r": {ID: "r"}}))

	again, err := f.CreateRoomStore().LoadRooms(context.Background())
	require.NoError(t, err)
	assert.Contains(t, again, domain.RoomID("r"))
}

func TestRepositoryFactory_RedisFallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "redis"
	cfg.Redis.Address = "127.0.0.1:1"

	f, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, "memory", f.Driver())
	assert.IsType(t, &memory.MemoryRoomStore{}, f.CreateRoomStore())
}

func TestRepositoryFactory_UnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "etcd"

	_, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
