package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling through while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Consecutive failures that open a closed breaker.
	FailureThreshold int
	// Consecutive half-open successes that close it again.
	SuccessThreshold int
	// How long the breaker stays open before probing.
	Cooldown time.Duration
	// Concurrent probes allowed while half-open.
	MaxProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker guards calls to a backing store. Context cancellation by the
// caller is not counted as a failure.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	changedAt time.Time

	onChange func(from, to State)
}

func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	return &Breaker{cfg: cfg, now: time.Now, changedAt: time.Now()}
}

// OnStateChange registers fn, called synchronously after each transition
// with the breaker unlocked.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.changedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	halfOpen, ok := b.admit()
	if !ok {
		return ErrOpen
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(halfOpen)
		return err
	}
	b.record(halfOpen, err == nil)
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	from, changed := b.transition(StateClosed)
	fn := b.onChange
	b.mu.Unlock()
	if changed && fn != nil {
		fn(from, StateClosed)
	}
}

func (b *Breaker) admit() (halfOpen, ok bool) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == StateOpen && b.now().Sub(b.changedAt) >= b.cfg.Cooldown {
		from, changed = b.transition(StateHalfOpen)
	}
	switch b.state {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		if b.probes < b.cfg.MaxProbes {
			b.probes++
			halfOpen, ok = true, true
		}
	default:
		ok = true
	}
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(from, StateHalfOpen)
	}
	return halfOpen, ok
}

func (b *Breaker) release(halfOpen bool) {
	if !halfOpen {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(halfOpen, success bool) {
	b.mu.Lock()
	var from, to State
	changed := false
	if halfOpen && b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	switch {
	case success && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			to = StateClosed
			from, changed = b.transition(to)
		}
	case success:
		b.failures = 0
	case b.state == StateHalfOpen:
		to = StateOpen
		from, changed = b.transition(to)
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			to = StateOpen
			from, changed = b.transition(to)
		}
	}
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) (State, bool) {
	from := b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.changedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probes = 0
	return from, true
}
