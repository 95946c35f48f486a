package playback

import (
	"fmt"
	"math"
	"sync"
	"time"

	"duet/internal/clock"

	"go.uber.org/zap"
)

// DefaultDriftThreshold is the clock offset change that triggers a reseek.
const DefaultDriftThreshold = 100 * time.Millisecond

// Mixer owns decoded buffers and their players. Scheduling times are local
// wall times; callers translate peer clock times before calling in.
type Mixer struct {
	engine Engine
	logger *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	buffers map[string]Buffer
	players map[string]Player
	fades   map[string]*time.Timer

	driftThreshold time.Duration
	anchor         float64
	anchored       bool
	unsubscribe    func()
	onReseek       []func(id string, delta time.Duration)
}

func NewMixer(engine Engine, logger *zap.SugaredLogger) *Mixer {
	return &Mixer{
		engine:         engine,
		logger:         logger,
		now:            time.Now,
		buffers:        make(map[string]Buffer),
		players:        make(map[string]Player),
		fades:          make(map[string]*time.Timer),
		driftThreshold: DefaultDriftThreshold,
	}
}

func (m *Mixer) Engine() Engine {
	return m.engine
}

// Register decodes data and stores the buffer under id, replacing and
// stopping any previous one.
func (m *Mixer) Register(id string, data []byte) (Buffer, error) {
	buf, err := m.engine.Decode(id, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}

	m.mu.Lock()
	old := m.players[id]
	delete(m.players, id)
	m.cancelFadeLocked(id)
	m.buffers[id] = buf
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return buf, nil
}

// Unload stops and forgets id. Unknown ids are ignored.
func (m *Mixer) Unload(id string) {
	m.mu.Lock()
	p := m.players[id]
	delete(m.players, id)
	delete(m.buffers, id)
	m.cancelFadeLocked(id)
	m.mu.Unlock()

	if p != nil {
		p.Stop()
	}
}

func (m *Mixer) Loaded(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buffers[id]
	return ok
}

// Player returns the current player for id, if one was ever started.
func (m *Mixer) Player(id string) (Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[id]
	return p, ok
}

func (m *Mixer) IsPlaying(id string) bool {
	p, ok := m.Player(id)
	return ok && p.IsPlaying()
}

// PlayAt starts id at local time at. A player that is already playing is
// left alone; a stopped one is restarted in place.
func (m *Mixer) PlayAt(id string, at time.Time, offset time.Duration, gain float64) (Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playLocked(id, at, offset, gain, 0)
}

func (m *Mixer) playLocked(id string, at time.Time, offset time.Duration, gain float64, ramp time.Duration) (Player, error) {
	buf, ok := m.buffers[id]
	if !ok {
		return nil, fmt.Errorf("asset %s is not loaded", id)
	}
	m.cancelFadeLocked(id)

	p, exists := m.players[id]
	if exists && p.IsPlaying() {
		p.SetGain(gain, ramp)
		return p, nil
	}
	if !exists {
		p = m.engine.NewPlayer(buf)
		m.players[id] = p
	}
	if ramp > 0 {
		p.SetGain(0, 0)
		p.Start(at, offset)
		p.SetGain(gain, ramp)
	} else {
		p.SetGain(gain, 0)
		p.Start(at, offset)
	}
	return p, nil
}

// Stop halts id. Stopping something idle is a no-op.
func (m *Mixer) Stop(id string) {
	m.mu.Lock()
	p := m.players[id]
	m.cancelFadeLocked(id)
	m.mu.Unlock()

	if p != nil {
		p.Stop()
	}
}

// Seek repositions a scheduled or playing asset.
func (m *Mixer) Seek(id string, offset time.Duration) error {
	p, ok := m.Player(id)
	if !ok {
		return fmt.Errorf("asset %s is not scheduled", id)
	}
	p.Seek(offset)
	return nil
}

func (m *Mixer) SetGain(id string, gain float64, ramp time.Duration) error {
	p, ok := m.Player(id)
	if !ok {
		return fmt.Errorf("asset %s is not scheduled", id)
	}
	p.SetGain(gain, ramp)
	return nil
}

// Crossfade fades fromID out and toID in over duration starting at local
// time at. An already playing toID keeps its player and position. When
// fromID is not playing, toID simply starts at full gain.
func (m *Mixer) Crossfade(fromID, toID string, at time.Time, duration time.Duration, toOffset time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buffers[toID]; !ok {
		return fmt.Errorf("asset %s is not loaded", toID)
	}
	from, fromExists := m.players[fromID]
	if !fromExists || !from.IsPlaying() {
		_, err := m.playLocked(toID, at, toOffset, 1, 0)
		return err
	}

	if _, err := m.playLocked(toID, at, toOffset, 1, duration); err != nil {
		return err
	}
	from.SetGain(0, duration)

	delay := duration
	if !at.IsZero() {
		if wait := at.Sub(m.now()); wait > 0 {
			delay += wait
		}
	}
	m.cancelFadeLocked(fromID)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := m.fades[fromID] == timer
		if current {
			delete(m.fades, fromID)
		}
		m.mu.Unlock()
		if current {
			from.Stop()
		}
	})
	m.fades[fromID] = timer
	return nil
}

func (m *Mixer) cancelFadeLocked(id string) {
	if t, ok := m.fades[id]; ok {
		t.Stop()
		delete(m.fades, id)
	}
}

// SetDucking enables the ducking processor, or disables it for nil.
func (m *Mixer) SetDucking(cfg *DuckingConfig) {
	m.engine.SetDucking(cfg)
}

// OnReseek registers fn for drift corrections.
func (m *Mixer) OnReseek(fn func(id string, delta time.Duration)) {
	m.mu.Lock()
	m.onReseek = append(m.onReseek, fn)
	m.mu.Unlock()
}

// AttachClock follows c and reseeks playing material when its offset
// drifts beyond the threshold since the last correction.
func (m *Mixer) AttachClock(c *clock.PeerClock) {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.anchored = c.Synced()
	m.anchor = c.Offset()
	m.mu.Unlock()

	unsubscribe := c.OnUpdate(m.handleClockUpdate)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

func (m *Mixer) handleClockUpdate(est clock.Estimate) {
	m.mu.Lock()
	if !m.anchored {
		m.anchor = est.Offset
		m.anchored = true
		m.mu.Unlock()
		return
	}
	driftMs := est.Offset - m.anchor
	if math.Abs(driftMs) <= float64(m.driftThreshold)/float64(time.Millisecond) {
		m.mu.Unlock()
		return
	}
	m.anchor = est.Offset
	delta := time.Duration(driftMs * float64(time.Millisecond))

	type reseek struct {
		id string
		p  Player
	}
	var playing []reseek
	for id, p := range m.players {
		if p.IsPlaying() {
			playing = append(playing, reseek{id, p})
		}
	}
	hooks := append([]func(string, time.Duration){}, m.onReseek...)
	m.mu.Unlock()

	for _, r := range playing {
		r.p.Seek(r.p.Position() + delta)
		m.logger.Infow("reseeked after clock drift", "asset_id", r.id, "drift_ms", driftMs)
		for _, fn := range hooks {
			fn(r.id, delta)
		}
	}
}

// Close stops every player and detaches from the clock.
func (m *Mixer) Close() {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	players := make([]Player, 0, len(m.players))
	for id, p := range m.players {
		players = append(players, p)
		m.cancelFadeLocked(id)
	}
	m.mu.Unlock()

	for _, p := range players {
		p.Stop()
	}
}
