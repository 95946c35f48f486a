package playback

import (
	"fmt"
	"sync"
	"time"
)

// DefaultBytesPerSecond models 16-bit stereo at 48kHz.
const DefaultBytesPerSecond = 48000 * 2 * 2

type simBuffer struct {
	id       string
	duration time.Duration
}

func (b *simBuffer) ID() string              { return b.id }
func (b *simBuffer) Duration() time.Duration { return b.duration }

// SimEngine is a clock-driven engine for headless peers and tests. Buffer
// length is derived from byte size at a fixed rate.
type SimEngine struct {
	BytesPerSecond int
	now            func() time.Time

	mu      sync.Mutex
	ducking *DuckingConfig
}

func NewSimEngine() *SimEngine {
	return &SimEngine{BytesPerSecond: DefaultBytesPerSecond, now: time.Now}
}

// NewSimEngineWithClock uses now as the wall clock.
func NewSimEngineWithClock(now func() time.Time) *SimEngine {
	return &SimEngine{BytesPerSecond: DefaultBytesPerSecond, now: now}
}

func (e *SimEngine) Decode(id string, data []byte) (Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("asset %s: empty buffer", id)
	}
	d := time.Duration(float64(len(data)) / float64(e.BytesPerSecond) * float64(time.Second))
	return &simBuffer{id: id, duration: d}, nil
}

func (e *SimEngine) NewPlayer(buf Buffer) Player {
	return &SimPlayer{buf: buf, now: e.now, gain: 1}
}

func (e *SimEngine) SetDucking(cfg *DuckingConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg == nil {
		e.ducking = nil
		return
	}
	c := *cfg
	e.ducking = &c
}

func (e *SimEngine) Ducking() *DuckingConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ducking == nil {
		return nil
	}
	c := *e.ducking
	return &c
}

// SimPlayer tracks position from the wall clock. Gain changes apply at once;
// the requested ramp is recorded.
type SimPlayer struct {
	buf Buffer
	now func() time.Time

	mu       sync.Mutex
	playing  bool
	startAt  time.Time
	offset   time.Duration
	gain     float64
	lastRamp time.Duration
	starts   int
}

func (p *SimPlayer) Start(at time.Time, offset time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.IsZero() {
		at = p.now()
	}
	p.playing = true
	p.startAt = at
	p.offset = offset
	p.starts++
}

func (p *SimPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.offset = p.positionLocked()
	}
	p.playing = false
}

func (p *SimPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.endedLocked()
}

func (p *SimPlayer) Seek(offset time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	p.offset = offset
	if p.playing {
		now := p.now()
		if p.startAt.Before(now) {
			p.startAt = now
		}
	}
}

func (p *SimPlayer) SetGain(gain float64, ramp time.Duration) {
	p.mu.Lock()
	p.gain = gain
	p.lastRamp = ramp
	p.mu.Unlock()
}

func (p *SimPlayer) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// LastRamp is the ramp of the most recent SetGain.
func (p *SimPlayer) LastRamp() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRamp
}

// Starts counts Start calls on this instance.
func (p *SimPlayer) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *SimPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *SimPlayer) positionLocked() time.Duration {
	if !p.playing {
		return p.offset
	}
	elapsed := p.now().Sub(p.startAt)
	if elapsed < 0 {
		elapsed = 0
	}
	pos := p.offset + elapsed
	if d := p.buf.Duration(); d > 0 && pos > d {
		return d
	}
	return pos
}

func (p *SimPlayer) endedLocked() bool {
	d := p.buf.Duration()
	return d > 0 && p.positionLocked() >= d
}
