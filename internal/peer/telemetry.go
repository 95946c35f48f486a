package peer

import (
	"context"
	"sync"
	"time"

	"duet/internal/control"
)

// Telemetry keeps the latest levels reported by the counterpart and when
// they arrived.
type Telemetry struct {
	mu            sync.RWMutex
	levels        control.TelemetryPayload
	lastHeartbeat time.Time
	now           func() time.Time
}

func NewTelemetry() *Telemetry {
	return &Telemetry{now: time.Now}
}

func (t *Telemetry) Record(levels control.TelemetryPayload) {
	t.mu.Lock()
	t.levels = levels
	t.lastHeartbeat = t.now()
	t.mu.Unlock()
}

// Levels returns the last report; ok is false until one arrives.
func (t *Telemetry) Levels() (levels control.TelemetryPayload, at time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.levels, t.lastHeartbeat, !t.lastHeartbeat.IsZero()
}

// Alive reports whether a heartbeat arrived within the window.
func (t *Telemetry) Alive(within time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.lastHeartbeat.IsZero() && t.now().Sub(t.lastHeartbeat) <= within
}

func (t *Telemetry) handle(ctx context.Context, env *control.Envelope) error {
	var levels control.TelemetryPayload
	if err := env.Decode(&levels); err != nil {
		return err
	}
	t.Record(levels)
	return nil
}
