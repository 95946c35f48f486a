package assets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "duet/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	data := []byte("tone-a")
	sum := Digest(data)

	assert.NoError(t, Verify("a", sum, int64(len(data)), data))
	assert.NoError(t, Verify("a", strings.ToUpper(sum), 0, data))
	assert.NoError(t, Verify("a", "", 0, data))

	err := Verify("a", sum, 99, data)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeIntegrity, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "size mismatch")

	err = Verify("a", Digest([]byte("other")), 0, data)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeIntegrity, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "sha256 mismatch")
}

func TestManifestValidate(t *testing.T) {
	a := Describe("a", []byte("one"))
	b := Describe("b", []byte("two"))

	assert.NoError(t, Manifest{a, b}.Validate())
	assert.Error(t, Manifest{a, a}.Validate())
	assert.Error(t, Manifest{{ID: "bad id", SHA256: a.SHA256}}.Validate())
	assert.Error(t, Manifest{{ID: "c", SHA256: "abc"}}.Validate())
	assert.Error(t, Manifest{{ID: "c", SHA256: a.SHA256, Bytes: -1}}.Validate())
	assert.Error(t, Manifest{{ID: "c", SHA256: a.SHA256, Title: strings.Repeat("t", 201)}}.Validate())

	got, ok := Manifest{a, b}.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, b, got)
	assert.Equal(t, []string{"a", "b"}, Manifest{a, b}.IDs())
}

func TestTracker_LoadLifecycle(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, Missing, tr.Local("x"))
	assert.Equal(t, RemoteUnknown, tr.Remote("x"))

	tr.BeginLoad("x", 100)
	assert.Equal(t, Loading, tr.Local("x"))
	assert.Equal(t, Progress{0, 100}, tr.Progress("x"))

	tr.Advance("x", 40)
	tr.Advance("x", 10)
	assert.Equal(t, Progress{40, 100}, tr.Progress("x"), "progress never regresses")
	tr.Advance("x", 500)
	assert.Equal(t, Progress{100, 100}, tr.Progress("x"), "progress clamps at total")

	tr.CompleteLoad("x")
	assert.Equal(t, Loaded, tr.Local("x"))
	assert.Equal(t, Progress{100, 100}, tr.Progress("x"))

	tr.Unload("x")
	assert.Equal(t, Missing, tr.Local("x"))
}

func TestTracker_FailResetsProgress(t *testing.T) {
	tr := NewTracker()
	tr.BeginLoad("x", 100)
	tr.Advance("x", 60)
	tr.FailLoad("x", 100)

	assert.Equal(t, Missing, tr.Local("x"))
	assert.Equal(t, Progress{0, 100}, tr.Progress("x"))
}

func TestTracker_RemoteState(t *testing.T) {
	tr := NewTracker()
	tr.SetRemote("x", RemoteMissing)
	assert.True(t, tr.RemoteMissing("x"))
	assert.True(t, tr.RemoteIssue("x"))

	tr.SetRemote("x", RemoteLoaded)
	assert.False(t, tr.RemoteIssue("x"))

	tr.ResetRemote()
	assert.Equal(t, RemoteUnknown, tr.Remote("x"))
}

func TestTracker_OnChange(t *testing.T) {
	tr := NewTracker()
	var mu sync.Mutex
	var seen []Status
	tr.OnChange(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	tr.BeginLoad("x", 10)
	tr.CompleteLoad("x")

	require.Len(t, seen, 2)
	assert.Equal(t, Loading, seen[0].Local)
	assert.Equal(t, Progress{0, 10}, seen[0].Progress)
	assert.Equal(t, Loaded, seen[1].Local)
	assert.Equal(t, Progress{10, 10}, seen[1].Progress)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "x", snap[0].ID)
}

func TestCache_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rain.ogg"), []byte("rain"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bells.wav"), []byte("bells!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	c := NewCache()
	m, err := c.LoadDir(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"bells", "rain"}, m.IDs())
	assert.Equal(t, []string{"bells", "rain"}, c.IDs())
	data, ok := c.Get("rain")
	require.True(t, ok)
	assert.Equal(t, []byte("rain"), data)
	assert.Equal(t, int64(6), m[0].Bytes)

	c.Delete("rain")
	_, ok = c.Get("rain")
	assert.False(t, ok)
}

func TestLoadManifestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	e := Describe("a", []byte("one"))
	body := `[{"id":"a","sha256":"` + e.SHA256 + `","bytes":3,"title":"One"}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := LoadManifestFile(path)
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "One", m[0].Title)

	_, err = LoadManifestFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
