package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Cache holds raw asset bytes by id.
type Cache struct {
	mu      sync.RWMutex
	buffers map[string][]byte
}

func NewCache() *Cache {
	return &Cache{buffers: make(map[string][]byte)}
}

func (c *Cache) Put(id string, data []byte) {
	c.mu.Lock()
	c.buffers[id] = data
	c.mu.Unlock()
}

func (c *Cache) Get(id string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.buffers[id]
	return data, ok
}

func (c *Cache) Delete(id string) {
	c.mu.Lock()
	delete(c.buffers, id)
	c.mu.Unlock()
}

func (c *Cache) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.buffers))
	for id := range c.buffers {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// LoadDir reads every regular file in dir into the cache, keyed by file
// name without extension, and returns their manifest entries in name order.
func (c *Cache) LoadDir(dir string) (Manifest, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset dir: %w", err)
	}

	var m Manifest
	for _, f := range files {
		if !f.Type().IsRegular() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read asset %s: %w", f.Name(), err)
		}
		id := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		c.Put(id, data)
		entry := Describe(id, data)
		entry.Title = f.Name()
		m = append(m, entry)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
