package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"duet/internal/control"
	"duet/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ControlLabel names the data channel that carries the control protocol.
const ControlLabel = "control"

var ErrSessionClosed = errors.New("session closed")

// Signaler carries negotiation to the remote participant, normally through
// the signaling relay.
type Signaler interface {
	SendSDP(target string, desc webrtc.SessionDescription) error
	SendCandidate(target string, candidate webrtc.ICECandidateInit) error
}

// Config is the peer connection configuration
type Config struct {
	// RoomID only labels traces.
	RoomID     string
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Session is one peer connection to one remote participant, with the
// control channel bound to its data channel. The offering side creates the
// data channel; the answering side adopts whatever the remote opens.
type Session struct {
	room     string
	remote   string
	signaler Signaler
	ch       *control.Channel
	pc       *webrtc.PeerConnection
	ctx      context.Context
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	remoteSet   bool
	pendingICE  []webrtc.ICECandidateInit
	localSent   bool
	localICE    []webrtc.ICECandidateInit
	closed      bool
	onFailed    []func()
	failedFired bool
}

// NewSession creates the peer connection. Frames received on the data
// channel are handled under ctx.
func NewSession(ctx context.Context, cfg Config, remote string, signaler Signaler, ch *control.Channel, logger *zap.SugaredLogger) (*Session, error) {
	pc, err := createPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		room:     cfg.RoomID,
		remote:   remote,
		signaler: signaler,
		ch:       ch,
		pc:       pc,
		ctx:      ctx,
		logger:   logger.With("remote", remote),
	}

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnICEConnectionStateChange(s.handleICEConnectionState)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlLabel {
			s.logger.Debugw("ignoring data channel", "label", dc.Label())
			return
		}
		s.bind(dc)
	})
	return s, nil
}

func createPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (s *Session) trace(operation string) trace.Span {
	_, span := tracing.TraceWebRTC(s.ctx, operation, s.remote, s.room)
	return span
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

func (s *Session) Remote() string {
	return s.remote
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// OnFailed registers fn to run once when the connection fails or closes
// from the remote side.
func (s *Session) OnFailed(fn func()) {
	s.mu.Lock()
	s.onFailed = append(s.onFailed, fn)
	s.mu.Unlock()
}

// Offer opens the control data channel and sends an offer to the remote.
func (s *Session) Offer() (err error) {
	span := s.trace("offer")
	defer endSpan(span, &err)

	ordered := true
	dc, err := s.pc.CreateDataChannel(ControlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	s.bind(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return s.sendLocal(offer)
}

// HandleSDP applies a remote description and answers offers.
func (s *Session) HandleSDP(desc webrtc.SessionDescription) (err error) {
	span := s.trace("remote_" + desc.Type.String())
	defer endSpan(span, &err)

	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.logger.Warnw("failed to add queued candidate", "error", err)
		}
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.sendLocal(answer)
}

// sendLocal sends desc and then any candidates gathered before it went
// out, so the remote never sees a candidate ahead of its description.
func (s *Session) sendLocal(desc webrtc.SessionDescription) error {
	if err := s.signaler.SendSDP(s.remote, desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.localSent = true
	queued := s.localICE
	s.localICE = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.signaler.SendCandidate(s.remote, c); err != nil {
			s.logger.Warnw("failed to send candidate", "error", err)
		}
	}
	return nil
}

// HandleCandidate adds a remote candidate, queueing it until the remote
// description is known.
func (s *Session) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(candidate)
}

func (s *Session) bind(dc *webrtc.DataChannel) {
	conn := newDataChannelConn(dc, s.ch.Codec().Binary())
	dc.OnOpen(func() {
		s.logger.Infow("control data channel open", "label", dc.Label())
		if err := s.ch.Open(conn); err != nil {
			s.logger.Warnw("failed to send hello", "error", err)
		}
	})
	dc.OnClose(func() {
		s.logger.Infow("control data channel closed", "label", dc.Label())
		s.ch.Close()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.ch.Receive(s.ctx, msg.Data)
	})
}

func (s *Session) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	candidate := c.ToJSON()

	s.mu.Lock()
	if !s.localSent {
		s.localICE = append(s.localICE, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.signaler.SendCandidate(s.remote, candidate); err != nil {
		s.logger.Warnw("failed to send candidate", "error", err)
	}
}

func (s *Session) handleICEConnectionState(state webrtc.ICEConnectionState) {
	s.logger.Debugw("ICE connection state changed", "ice_state", state)
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infow("peer connection state changed", "connection_state", state)

	if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
		s.ch.Close()
		s.fireFailed()
	}
}

func (s *Session) fireFailed() {
	s.mu.Lock()
	if s.failedFired || s.closed {
		s.mu.Unlock()
		return
	}
	s.failedFired = true
	hooks := append([]func(){}, s.onFailed...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the connection down without firing OnFailed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ch.Close()
	return s.pc.Close()
}
