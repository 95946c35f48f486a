package services

import (
	"context"
	"fmt"
	"time"

	"duet/internal/core/ports"

	"go.uber.org/zap"
)

// SweeperConfig contains sweeper configuration
type SweeperConfig struct {
	Interval        time.Duration
	TokenIdle       time.Duration
	ParticipantIdle time.Duration
}

// SweepResult is what one sweep removed.
type SweepResult struct {
	Tokens       int
	Participants int
}

// Sweeper periodically expires idle tokens and participants. Each stage is
// isolated: a panic in one does not skip the others.
type Sweeper struct {
	auth     ports.AuthService
	registry ports.RoomRegistry
	cfg      SweeperConfig
	hooks    []func(SweepResult)
	logger   *zap.SugaredLogger
	stopChan chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(auth ports.AuthService, registry ports.RoomRegistry, cfg SweeperConfig, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		auth:     auth,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// OnSweep registers fn to run after every sweep. Not safe to call after Start.
func (s *Sweeper) OnSweep(fn func(SweepResult)) {
	s.hooks = append(s.hooks, fn)
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the sweeper
func (s *Sweeper) Stop() {
	close(s.stopChan)
}

func (s *Sweeper) SweepOnce() SweepResult {
	var res SweepResult

	if err := s.guard("tokens", func() {
		res.Tokens = s.auth.CleanupExpiredTokens(s.cfg.TokenIdle)
	}); err != nil {
		s.logger.Errorw("token sweep failed", "error", err)
	}
	if err := s.guard("participants", func() {
		res.Participants = s.registry.CleanupInactiveParticipants(s.cfg.ParticipantIdle)
	}); err != nil {
		s.logger.Errorw("participant sweep failed", "error", err)
	}

	for _, fn := range s.hooks {
		if err := s.guard("hook", func() { fn(res) }); err != nil {
			s.logger.Errorw("sweep hook failed", "error", err)
		}
	}

	if res.Tokens > 0 || res.Participants > 0 {
		s.logger.Infow("sweep completed", "tokens", res.Tokens, "participants", res.Participants)
	}
	return res
}

func (s *Sweeper) guard(stage string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s stage panicked: %v", stage, r)
		}
	}()
	fn()
	return nil
}
