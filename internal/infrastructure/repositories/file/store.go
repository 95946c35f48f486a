// Package file persists rooms and users as flat JSON objects on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
)

const (
	RoomsFile = "rooms.json"
	UsersFile = "users.json"
)

// jsonFile guards one file. A missing file reads as empty.
type jsonFile struct {
	path string
	mu   sync.Mutex
}

func (f *jsonFile) load(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", f.path, err)
	}
	return nil
}

// save writes to a temp file and renames it over the target.
func (f *jsonFile) save(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", f.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

type FileRoomStore struct {
	file jsonFile
}

func NewFileRoomStore(dir string) ports.RoomStore {
	return &FileRoomStore{file: jsonFile{path: filepath.Join(dir, RoomsFile)}}
}

func (s *FileRoomStore) LoadRooms(ctx context.Context) (map[domain.RoomID]domain.RoomRecord, error) {
	rooms := make(map[domain.RoomID]domain.RoomRecord)
	if err := s.file.load(&rooms); err != nil {
		return nil, err
	}
	for id, rec := range rooms {
		if rec.ID == "" {
			rec.ID = id
			rooms[id] = rec
		}
	}
	return rooms, nil
}

func (s *FileRoomStore) SaveRooms(ctx context.Context, rooms map[domain.RoomID]domain.RoomRecord) error {
	return s.file.save(rooms)
}

type FileUserStore struct {
	file jsonFile
}

func NewFileUserStore(dir string) ports.UserStore {
	return &FileUserStore{file: jsonFile{path: filepath.Join(dir, UsersFile)}}
}

func (s *FileUserStore) LoadUsers(ctx context.Context) (map[string]domain.User, error) {
	users := make(map[string]domain.User)
	if err := s.file.load(&users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *FileUserStore) SaveUsers(ctx context.Context, users map[string]domain.User) error {
	return s.file.save(users)
}
