package assets

import (
	"encoding/json"
	"fmt"
	"os"

	"duet/pkg/validation"
)

// Entry describes one asset the facilitator expects the room to play.
type Entry struct {
	ID     string `json:"id"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
	Title  string `json:"title,omitempty"`
	Notes  string `json:"notes,omitempty"`
	URL    string `json:"url,omitempty"`
}

const (
	maxTitleLength = 200
	maxNotesLength = 2000
)

func (e Entry) Validate() error {
	if err := validation.ValidateAssetID(e.ID); err != nil {
		return err
	}
	if err := validation.ValidateSHA256(e.SHA256); err != nil {
		return fmt.Errorf("asset %s: %w", e.ID, err)
	}
	if e.Bytes < 0 {
		return fmt.Errorf("asset %s: bytes must be >= 0", e.ID)
	}
	if err := validation.ValidateStringLength(e.Title, 0, maxTitleLength, "title"); err != nil {
		return fmt.Errorf("asset %s: %w", e.ID, err)
	}
	if err := validation.ValidateStringLength(e.Notes, 0, maxNotesLength, "notes"); err != nil {
		return fmt.Errorf("asset %s: %w", e.ID, err)
	}
	if e.URL != "" {
		if err := validation.ValidateURL(e.URL); err != nil {
			return fmt.Errorf("asset %s: %w", e.ID, err)
		}
	}
	return nil
}

// Manifest is an ordered asset list. It is always replaced wholesale.
type Manifest []Entry

// Validate checks every entry and rejects duplicate ids.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m))
	for _, e := range m {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("duplicate asset id %s", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

func (m Manifest) Lookup(id string) (Entry, bool) {
	for _, e := range m {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (m Manifest) IDs() []string {
	ids := make([]string, len(m))
	for i, e := range m {
		ids[i] = e.ID
	}
	return ids
}

// LoadManifestFile reads a JSON array of entries from path.
func LoadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
