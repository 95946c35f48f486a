package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"duet/internal/infrastructure/signal"
	"duet/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("signaling client not connected")

// Frame is the relay's envelope as seen by a peer.
type Frame struct {
	Type      string                     `json:"type"`
	RoomID    string                     `json:"roomId,omitempty"`
	Target    string                     `json:"target,omitempty"`
	From      string                     `json:"from,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Payload   json.RawMessage            `json:"payload,omitempty"`
	Code      string                     `json:"code,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// ClientConfig describes how to reach the relay. The relay drops a
// participant when its socket closes, so a reconnect needs a fresh
// participant: Join, when set, is called before every dial and its result
// replaces ParticipantID.
type ClientConfig struct {
	URL              string
	Token            string
	RoomID           string
	ParticipantID    string
	Join             func(ctx context.Context) (string, error)
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *ClientConfig) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// SignalingClient holds one participant's relay socket. Every connection
// starts with a credentials frame, which is surfaced through OnCredentials
// before any other frame is delivered.
type SignalingClient struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu            sync.Mutex
	conn          *websocket.Conn
	participantID string
	onFrame       func(Frame)
	onCredentials func(signal.CredentialsPayload)

	writeMu sync.Mutex
}

func NewSignalingClient(cfg ClientConfig, logger *zap.SugaredLogger) *SignalingClient {
	cfg.defaults()
	return &SignalingClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{cfg.Token},
		},
		logger:        logger,
		participantID: cfg.ParticipantID,
	}
}

// ParticipantID is the id of the current or most recent connection.
func (c *SignalingClient) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

func (c *SignalingClient) dialURL(participantID string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("invalid relay url: %w", err))
	}
	q := u.Query()
	q.Set("roomId", c.cfg.RoomID)
	q.Set("participantId", participantID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *SignalingClient) OnFrame(fn func(Frame)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

func (c *SignalingClient) OnCredentials(fn func(signal.CredentialsPayload)) {
	c.mu.Lock()
	c.onCredentials = fn
	c.mu.Unlock()
}

// Connect dials the relay and waits for the credentials frame. A policy
// violation close means the token or participant was refused; that error
// is permanent for retry purposes.
func (c *SignalingClient) Connect(ctx context.Context) error {
	participantID := c.ParticipantID()
	if c.cfg.Join != nil {
		id, err := c.cfg.Join(ctx)
		if err != nil {
			return fmt.Errorf("failed to join room: %w", err)
		}
		participantID = id
	}
	target, err := c.dialURL(participantID)
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseNormalClosure) {
			return retry.Permanent(fmt.Errorf("relay refused connection: %w", err))
		}
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if first.Type != string(signal.TypeCredentials) {
		conn.Close()
		return fmt.Errorf("expected credentials frame, got %q", first.Type)
	}
	var creds signal.CredentialsPayload
	if err := json.Unmarshal(first.Payload, &creds); err != nil {
		conn.Close()
		return fmt.Errorf("invalid credentials frame: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.participantID = participantID
	onCredentials := c.onCredentials
	c.mu.Unlock()

	c.logger.Infow("connected to relay",
		"room_id", c.cfg.RoomID,
		"participant_id", participantID,
		"ice_servers", len(creds.ICEServers),
	)
	if onCredentials != nil {
		onCredentials(creds)
	}
	return nil
}

// Run reads frames until the socket fails or ctx is done.
func (c *SignalingClient) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if f.Type == string(signal.TypeError) {
			c.logger.Warnw("relay rejected frame", "code", f.Code, "error", f.Error)
		}

		c.mu.Lock()
		handler := c.onFrame
		c.mu.Unlock()
		if handler != nil {
			handler(f)
		}
	}
}

// RunWithReconnect keeps the client connected until ctx is done, the relay
// refuses it, or the participant is kicked (a normal close from the relay).
func (c *SignalingClient) RunWithReconnect(ctx context.Context) error {
	cfg := retry.ReconnectConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("relay connection failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	for {
		if err := retry.Retry(ctx, cfg, func() error { return c.Connect(ctx) }); err != nil {
			return err
		}

		err := c.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseNormalClosure) {
			return fmt.Errorf("relay closed connection: %w", err)
		}
		c.logger.Warnw("relay connection lost", "error", err)
	}
}

// Send writes f, filling in the room.
func (c *SignalingClient) Send(f Frame) error {
	if f.RoomID == "" {
		f.RoomID = c.cfg.RoomID
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *SignalingClient) SendSDP(target string, desc webrtc.SessionDescription) error {
	return c.Send(Frame{Type: string(signal.TypeSDP), Target: target, SDP: &desc})
}

func (c *SignalingClient) SendCandidate(target string, candidate webrtc.ICECandidateInit) error {
	return c.Send(Frame{Type: string(signal.TypeICE), Target: target, Candidate: &candidate})
}

func (c *SignalingClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}
