package clock

import (
	"context"
	"time"

	"duet/internal/control"
	"duet/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

// Syncer runs clock.ping / clock.pong over a control channel and feeds the
// results into a PeerClock. Both peers run one: each answers pings and
// estimates the other.
type Syncer struct {
	clock    *PeerClock
	ch       *control.Channel
	interval time.Duration
	metrics  *monitoring.PrometheusCollector
	logger   *zap.SugaredLogger
	stopChan chan struct{}
}

func NewSyncer(clock *PeerClock, ch *control.Channel, interval time.Duration, logger *zap.SugaredLogger) *Syncer {
	s := &Syncer{
		clock:    clock,
		ch:       ch,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	ch.Handle(control.TypeClockPing, s.handlePing)
	ch.Handle(control.TypeClockPong, s.handlePong)
	return s
}

func (s *Syncer) SetMetrics(m *monitoring.PrometheusCollector) {
	s.metrics = m
}

func (s *Syncer) handlePing(ctx context.Context, env *control.Envelope) error {
	var ping control.ClockPingPayload
	if err := env.Decode(&ping); err != nil {
		return err
	}
	return s.ch.Notify(control.TypeClockPong, control.ClockPongPayload{T0: ping.T0, T1: s.clock.LocalNow()})
}

func (s *Syncer) handlePong(ctx context.Context, env *control.Envelope) error {
	var pong control.ClockPongPayload
	if err := env.Decode(&pong); err != nil {
		return err
	}
	t2 := s.clock.LocalNow()
	est, ok := s.clock.AddSample(pong.T0, pong.T1, t2)
	if !ok {
		s.logger.Debugw("clock sample rejected", "rtt_ms", t2-pong.T0)
		return nil
	}
	s.metrics.RecordClockSample(est.Offset, time.Duration(est.RTT*float64(time.Millisecond)))
	return nil
}

// Ping sends one probe.
func (s *Syncer) Ping() error {
	return s.ch.Notify(control.TypeClockPing, control.ClockPingPayload{T0: s.clock.LocalNow()})
}

// Start probes every interval while the channel is open.
func (s *Syncer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.ch.State() != control.StateOpen {
				continue
			}
			if err := s.Ping(); err != nil {
				s.logger.Debugw("clock ping failed", "error", err)
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) Stop() {
	close(s.stopChan)
}
