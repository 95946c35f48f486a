package assets

import (
	"sort"
	"sync"
)

// LocalState is this peer's view of an asset.
type LocalState string

const (
	Missing LocalState = "missing"
	Loading LocalState = "loading"
	Loaded  LocalState = "loaded"
)

// RemoteState is what the counterpart peer last reported.
type RemoteState string

const (
	RemoteUnknown RemoteState = "unknown"
	RemoteLoaded  RemoteState = "loaded"
	RemoteMissing RemoteState = "missing"
)

// Progress is a (loaded, total) byte pair.
type Progress struct {
	Loaded int64 `json:"loaded"`
	Total  int64 `json:"total"`
}

// Status is the full per-asset record.
type Status struct {
	ID       string      `json:"id"`
	Local    LocalState  `json:"local"`
	Remote   RemoteState `json:"remote"`
	Progress Progress    `json:"progress"`
}

type assetState struct {
	local    LocalState
	remote   RemoteState
	progress Progress
}

// Tracker holds local load state, load progress and remote state per asset.
// Subscribers are called outside the lock with the new status.
type Tracker struct {
	mu        sync.RWMutex
	assets    map[string]*assetState
	listeners []func(Status)
}

func NewTracker() *Tracker {
	return &Tracker{assets: make(map[string]*assetState)}
}

// OnChange registers fn for every local or remote state change.
func (t *Tracker) OnChange(fn func(Status)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Tracker) get(id string) *assetState {
	a, ok := t.assets[id]
	if !ok {
		a = &assetState{local: Missing, remote: RemoteUnknown}
		t.assets[id] = a
	}
	return a
}

func (t *Tracker) update(id string, fn func(a *assetState)) Status {
	t.mu.Lock()
	a := t.get(id)
	fn(a)
	st := Status{ID: id, Local: a.local, Remote: a.remote, Progress: a.progress}
	listeners := append([]func(Status){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
	return st
}

// BeginLoad enters Loading with progress reset to (0, total).
func (t *Tracker) BeginLoad(id string, total int64) Status {
	return t.update(id, func(a *assetState) {
		a.local = Loading
		a.progress = Progress{Loaded: 0, Total: total}
	})
}

// Advance moves progress forward. Regressions and overshoots are clamped so
// the pair stays monotone within [0, total].
func (t *Tracker) Advance(id string, loaded int64) Status {
	return t.update(id, func(a *assetState) {
		if a.local != Loading {
			return
		}
		if loaded > a.progress.Total {
			loaded = a.progress.Total
		}
		if loaded > a.progress.Loaded {
			a.progress.Loaded = loaded
		}
	})
}

// CompleteLoad marks the asset Loaded with progress (total, total).
func (t *Tracker) CompleteLoad(id string) Status {
	return t.update(id, func(a *assetState) {
		a.local = Loaded
		a.progress.Loaded = a.progress.Total
	})
}

// FailLoad returns the asset to Missing with progress (0, total).
func (t *Tracker) FailLoad(id string, total int64) Status {
	return t.update(id, func(a *assetState) {
		a.local = Missing
		a.progress = Progress{Loaded: 0, Total: total}
	})
}

// Unload forgets the local copy. Remote state is untouched.
func (t *Tracker) Unload(id string) Status {
	return t.update(id, func(a *assetState) {
		a.local = Missing
		a.progress = Progress{Loaded: 0, Total: a.progress.Total}
	})
}

func (t *Tracker) SetRemote(id string, state RemoteState) Status {
	return t.update(id, func(a *assetState) {
		a.remote = state
	})
}

// ResetRemote forgets everything the counterpart reported, typically after
// a reconnect.
func (t *Tracker) ResetRemote() {
	t.mu.Lock()
	for _, a := range t.assets {
		a.remote = RemoteUnknown
	}
	t.mu.Unlock()
}

func (t *Tracker) Local(id string) LocalState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.assets[id]; ok {
		return a.local
	}
	return Missing
}

func (t *Tracker) Remote(id string) RemoteState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.assets[id]; ok {
		return a.remote
	}
	return RemoteUnknown
}

func (t *Tracker) Progress(id string) Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.assets[id]; ok {
		return a.progress
	}
	return Progress{}
}

func (t *Tracker) RemoteMissing(id string) bool {
	return t.Remote(id) == RemoteMissing
}

// RemoteIssue is the flag surfaced to the facilitator: the counterpart
// reported it cannot play id.
func (t *Tracker) RemoteIssue(id string) bool {
	return t.RemoteMissing(id)
}

// Snapshot returns every tracked asset sorted by id.
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.assets))
	for id, a := range t.assets {
		out = append(out, Status{ID: id, Local: a.local, Remote: a.remote, Progress: a.progress})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
