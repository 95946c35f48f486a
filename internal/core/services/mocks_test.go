package services

import (
	"context"
	"errors"
	"sync"

	"duet/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []interface{}
	closed   int
	closeErr error
}

func (t *fakeTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, v)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return t.closeErr
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type mockRoomStore struct {
	mock.Mock
}

func (m *mockRoomStore) LoadRooms(ctx context.Context) (map[domain.RoomID]domain.RoomRecord, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).(map[domain.RoomID]domain.RoomRecord)
	return rooms, args.Error(1)
}

func (m *mockRoomStore) SaveRooms(ctx context.Context, rooms map[domain.RoomID]domain.RoomRecord) error {
	args := m.Called(ctx, rooms)
	return args.Error(0)
}

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) LoadUsers(ctx context.Context) (map[string]domain.User, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).(map[string]domain.User)
	return users, args.Error(1)
}

func (m *mockUserStore) SaveUsers(ctx context.Context, users map[string]domain.User) error {
	args := m.Called(ctx, users)
	return args.Error(0)
}
