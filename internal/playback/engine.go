package playback

import (
	"time"
)

// Buffer is a decoded asset ready for playback.
type Buffer interface {
	ID() string
	Duration() time.Duration
}

// Player is one playback instance of a buffer.
type Player interface {
	// Start begins playback at the local wall time at, from offset into
	// the buffer. A zero at means now.
	Start(at time.Time, offset time.Duration)
	Stop()
	IsPlaying() bool
	Seek(offset time.Duration)
	// SetGain moves towards gain linearly over ramp.
	SetGain(gain float64, ramp time.Duration)
	Gain() float64
	Position() time.Duration
}

// DuckingConfig parameterizes the ducking processor. Attack and Release are
// in seconds.
type DuckingConfig struct {
	ThresholdDb float64 `json:"thresholdDb"`
	ReduceDb    float64 `json:"reduceDb"`
	Attack      float64 `json:"attack"`
	Release     float64 `json:"release"`
}

// DuckingFromMillis builds a config from millisecond attack and release.
func DuckingFromMillis(thresholdDb, reduceDb, attackMs, releaseMs float64) DuckingConfig {
	return DuckingConfig{
		ThresholdDb: thresholdDb,
		ReduceDb:    reduceDb,
		Attack:      attackMs / 1000,
		Release:     releaseMs / 1000,
	}
}

// Engine is the audio backend. The mixer never touches samples.
type Engine interface {
	Decode(id string, data []byte) (Buffer, error)
	NewPlayer(buf Buffer) Player
	// SetDucking installs cfg, or tears the processor down when cfg is nil.
	SetDucking(cfg *DuckingConfig)
	Ducking() *DuckingConfig
}
