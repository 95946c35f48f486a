package memory

import (
	"context"
	"sync"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
)

type MemoryUserStore struct {
	users map[string]domain.User
	mu    sync.RWMutex
}

func NewMemoryUserStore() ports.UserStore {
	return &MemoryUserStore{
		users: make(map[string]domain.User),
	}
}

func (r *MemoryUserStore) LoadUsers(ctx context.Context) (map[string]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.User, len(r.users))
	for name, u := range r.users {
		out[name] = u
	}
	return out, nil
}

func (r *MemoryUserStore) SaveUsers(ctx context.Context, users map[string]domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users = make(map[string]domain.User, len(users))
	for name, u := range users {
		r.users[name] = u
	}
	return nil
}
