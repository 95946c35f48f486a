package main

import (
	"context"
	"sync"
	"time"

	"duet/internal/control"
	"duet/internal/infrastructure/signal"
	webrtcinfra "duet/internal/infrastructure/webrtc"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// link owns the current peer session and routes relay frames to it.
// Answering sides adopt whichever participant offers last.
type link struct {
	ctx       context.Context
	signaling *webrtcinfra.SignalingClient
	ch        *control.Channel
	log       *zap.SugaredLogger

	mu      sync.Mutex
	cfg     webrtcinfra.Config
	session *webrtcinfra.Session
	started time.Time
}

func newLink(ctx context.Context, roomID string, signaling *webrtcinfra.SignalingClient, ch *control.Channel, log *zap.SugaredLogger) *link {
	l := &link{ctx: ctx, signaling: signaling, ch: ch, log: log}
	l.cfg.RoomID = roomID
	signaling.OnCredentials(l.setCredentials)
	signaling.OnFrame(l.handleFrame)
	return l
}

func (l *link) setCredentials(p signal.CredentialsPayload) {
	l.mu.Lock()
	l.cfg.ICEServers = p.ICEServers
	l.mu.Unlock()
}

func (l *link) current() *webrtcinfra.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Negotiating reports whether a session started less than within ago is
// still on its way to connecting.
func (l *link) Negotiating(within time.Duration) bool {
	l.mu.Lock()
	s, started := l.session, l.started
	l.mu.Unlock()
	if s == nil || time.Since(started) > within {
		return false
	}
	switch s.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return false
	}
	return true
}

func (l *link) Connected() bool {
	s := l.current()
	return s != nil && s.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (l *link) Remote() string {
	if s := l.current(); s != nil {
		return s.Remote()
	}
	return ""
}

func (l *link) replace(remote string) (*webrtcinfra.Session, error) {
	l.mu.Lock()
	cfg := l.cfg
	old := l.session
	l.session = nil
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}

	s, err := webrtcinfra.NewSession(l.ctx, cfg, remote, l.signaling, l.ch, l.log)
	if err != nil {
		return nil, err
	}
	s.OnFailed(func() {
		l.mu.Lock()
		if l.session == s {
			l.session = nil
		}
		l.mu.Unlock()
		l.log.Warnw("peer session failed", "remote", remote)
	})

	l.mu.Lock()
	l.session = s
	l.started = time.Now()
	l.mu.Unlock()
	return s, nil
}

// Offer starts a fresh session towards remote.
func (l *link) Offer(remote string) error {
	s, err := l.replace(remote)
	if err != nil {
		return err
	}
	return s.Offer()
}

func (l *link) handleFrame(f webrtcinfra.Frame) {
	switch signal.MessageType(f.Type) {
	case signal.TypeSDP:
		if f.SDP == nil {
			return
		}
		s := l.current()
		if f.SDP.Type == webrtc.SDPTypeOffer {
			var err error
			if s, err = l.replace(f.From); err != nil {
				l.log.Errorw("failed to create peer session", "remote", f.From, "error", err)
				return
			}
		}
		if s == nil || s.Remote() != f.From {
			l.log.Debugw("ignoring description from unknown peer", "from", f.From)
			return
		}
		if err := s.HandleSDP(*f.SDP); err != nil {
			l.log.Warnw("failed to apply description", "from", f.From, "error", err)
		}
	case signal.TypeICE:
		s := l.current()
		if f.Candidate == nil || s == nil || s.Remote() != f.From {
			return
		}
		if err := s.HandleCandidate(*f.Candidate); err != nil {
			l.log.Debugw("failed to add candidate", "from", f.From, "error", err)
		}
	}
}

func (l *link) Close() {
	l.mu.Lock()
	s := l.session
	l.session = nil
	l.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
