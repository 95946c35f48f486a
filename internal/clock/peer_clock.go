package clock

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Config tunes the offset filter.
type Config struct {
	// Window is how many recent samples compete for the min-RTT pick.
	Window int
	// Alpha is the smoothing weight of a new candidate.
	Alpha float64
	// MaxStep bounds how far one update may move an established estimate.
	MaxStep time.Duration
	// MaxRTT drops samples whose round trip is too slow to be useful.
	MaxRTT time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:  8,
		Alpha:   0.3,
		MaxStep: 50 * time.Millisecond,
		MaxRTT:  2 * time.Second,
	}
}

// Estimate is the current view of the remote clock. Times are milliseconds.
type Estimate struct {
	Offset   float64 `json:"offset"`
	Variance float64 `json:"variance"`
	RTT      float64 `json:"rtt"`
	Samples  int     `json:"samples"`
}

type sample struct {
	offset float64
	rtt    float64
}

// PeerClock estimates a remote peer's monotonic clock as local + offset.
type PeerClock struct {
	cfg   Config
	local func() float64

	mu      sync.Mutex
	window  []sample
	est     Estimate
	have    bool
	subs    map[int]func(Estimate)
	nextSub int
}

// New returns a clock reading local time from a monotonic source started
// now.
func New(cfg Config) *PeerClock {
	start := time.Now()
	return NewWithSource(cfg, func() float64 {
		return float64(time.Since(start)) / float64(time.Millisecond)
	})
}

// NewWithSource uses local as the monotonic millisecond source.
func NewWithSource(cfg Config, local func() float64) *PeerClock {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = def.MaxStep
	}
	if cfg.MaxRTT <= 0 {
		cfg.MaxRTT = def.MaxRTT
	}
	return &PeerClock{cfg: cfg, local: local, subs: make(map[int]func(Estimate))}
}

// LocalNow is this peer's monotonic time in milliseconds.
func (c *PeerClock) LocalNow() float64 {
	return c.local()
}

// Now is the best estimate of the remote clock.
func (c *PeerClock) Now() float64 {
	return c.local() + c.Offset()
}

// Offset is the last accepted estimate of remote minus local.
func (c *PeerClock) Offset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.est.Offset
}

func (c *PeerClock) Estimate() Estimate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.est
}

// Synced reports whether at least one sample was accepted.
func (c *PeerClock) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.have
}

// ToLocal converts a remote clock reading to local time.
func (c *PeerClock) ToLocal(remote float64) float64 {
	return remote - c.Offset()
}

// Until is the local wait before remote time arrives. Past times yield 0.
func (c *PeerClock) Until(remote float64) time.Duration {
	d := c.ToLocal(remote) - c.local()
	if d <= 0 {
		return 0
	}
	return time.Duration(d * float64(time.Millisecond))
}

// OnUpdate subscribes fn to accepted estimates and returns its unsubscribe.
func (c *PeerClock) OnUpdate(fn func(Estimate)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// AddSample feeds one ping exchange: t0 local send, t1 remote receive, t2
// local receive. It reports whether the sample was accepted.
func (c *PeerClock) AddSample(t0, t1, t2 float64) (Estimate, bool) {
	rtt := t2 - t0
	if rtt < 0 || rtt > float64(c.cfg.MaxRTT)/float64(time.Millisecond) {
		return c.Estimate(), false
	}
	s := sample{offset: t1 - (t0 + rtt/2), rtt: rtt}

	c.mu.Lock()
	c.window = append(c.window, s)
	if len(c.window) > c.cfg.Window {
		c.window = c.window[len(c.window)-c.cfg.Window:]
	}
	best := minRTT(c.window)

	if !c.have {
		c.est = Estimate{Offset: best.offset, RTT: best.rtt}
		c.have = true
	} else {
		delta := c.cfg.Alpha * (best.offset - c.est.Offset)
		maxStep := float64(c.cfg.MaxStep) / float64(time.Millisecond)
		delta = math.Max(-maxStep, math.Min(maxStep, delta))
		c.est.Offset += delta
		c.est.Variance = (1-c.cfg.Alpha)*c.est.Variance + c.cfg.Alpha*delta*delta
		c.est.RTT = best.rtt
	}
	c.est.Samples++
	est := c.est
	subs := make([]func(Estimate), 0, len(c.subs))
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, c.subs[id])
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(est)
	}
	return est, true
}

// minRTT prefers the newest sample among equals.
func minRTT(samples []sample) sample {
	best := samples[0]
	for _, s := range samples[1:] {
		if s.rtt <= best.rtt {
			best = s
		}
	}
	return best
}
