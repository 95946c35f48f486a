package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/internal/infrastructure/monitoring"
	"duet/pkg/config"
	apperrors "duet/pkg/errors"
	"duet/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// MessagesPerSecond of zero disables the per-connection limit.
	MessagesPerSecond float64
	Burst             int

	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}

// WebSocketServer relays signaling frames between attached participants of
// the same room. It keeps no routing state of its own; the registry is the
// single source of truth for who is connected.
type WebSocketServer struct {
	auth     ports.AuthService
	registry ports.RoomRegistry
	creds    *CredentialsProvider
	opts     Options
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*wsTransport]struct{}

	metrics *monitoring.PrometheusCollector
	logger  *zap.SugaredLogger
}

func NewWebSocketServer(
	auth ports.AuthService,
	registry ports.RoomRegistry,
	creds *CredentialsProvider,
	opts Options,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		auth:        auth,
		registry:    registry,
		creds:       creds,
		opts:        opts,
		connections: make(map[*wsTransport]struct{}),
		metrics:     metrics,
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// tokenFromRequest prefers the first offered subprotocol, which browsers can
// set, over the token query parameter.
func tokenFromRequest(r *http.Request) (token string, subprotocol bool) {
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 && protocols[0] != "" {
		return protocols[0], true
	}
	return r.URL.Query().Get("token"), false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, viaSubprotocol := tokenFromRequest(r)
	roomID := domain.RoomID(r.URL.Query().Get("roomId"))
	participantID := domain.ParticipantID(r.URL.Query().Get("participantId"))

	var header http.Header
	if viaSubprotocol {
		header = http.Header{"Sec-WebSocket-Protocol": []string{token}}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	transport := newWSTransport(conn, s.opts.WriteTimeout)

	identity, err := s.auth.Authenticate(token)
	if err != nil {
		s.reject(transport, roomID, participantID, "authentication failed", err)
		return
	}
	if _, err := s.registry.GetParticipant(roomID, participantID); err != nil {
		s.reject(transport, roomID, participantID, "unknown room or participant", err)
		return
	}
	if err := s.registry.Attach(roomID, participantID, transport); err != nil {
		s.reject(transport, roomID, participantID, "attach failed", err)
		return
	}

	s.track(transport)
	s.registry.TouchParticipant(roomID, participantID)
	s.metrics.RecordSignalAttached()
	s.logger.Infow("participant attached",
		"room_id", roomID,
		"participant_id", participantID,
		"username", identity.Username,
	)

	if err := transport.Send(s.creds.frame(participantID)); err != nil {
		s.logger.Warnw("failed to send credentials", "participant_id", participantID, "error", err)
	}

	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	ctx := context.Background()
	for {
		select {
		case data := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.sendError(ctx, transport, participantID, apperrors.NewRateLimitError())
				continue
			}
			if !s.handleFrame(ctx, transport, roomID, participantID, data) {
				goto cleanup
			}

		case <-pingTicker.C:
			if err := transport.ping(); err != nil {
				s.logger.Infow("error sending ping", "participant_id", participantID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from participant", "participant_id", participantID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	transport.Close()
	s.untrack(transport)
	removed := s.registry.Detach(roomID, participantID, transport)
	s.metrics.RecordSignalDetached()
	s.logger.Infow("participant disconnected",
		"room_id", roomID,
		"participant_id", participantID,
		"removed", removed,
	)
}

// reject closes an unauthenticated socket with a policy violation. No
// application frame is sent.
func (s *WebSocketServer) reject(t *wsTransport, roomID domain.RoomID, participantID domain.ParticipantID, reason string, err error) {
	s.metrics.RecordSignalRejected()
	s.logger.Warnw("signaling connection rejected",
		"room_id", roomID,
		"participant_id", participantID,
		"reason", reason,
		"error", err,
	)
	t.closeWith(websocket.ClosePolicyViolation, reason)
}

// handleFrame validates and relays one inbound frame. It returns false when
// the sender is no longer a participant and the socket should close.
func (s *WebSocketServer) handleFrame(ctx context.Context, t *wsTransport, roomID domain.RoomID, from domain.ParticipantID, data []byte) bool {
	f, appErr := parseFrame(data)
	msgType := "invalid"
	if f != nil {
		msgType = string(f.Type)
	}

	ctx, span := tracing.TraceSignalMessage(ctx, msgType, string(roomID), string(from))
	defer span.End()

	if appErr != nil {
		s.metrics.RecordSignalMessage(msgType, "invalid")
		s.sendError(ctx, t, from, appErr)
		return true
	}

	sender, err := s.registry.GetParticipant(roomID, from)
	if err != nil {
		s.logger.Infow("sender no longer in room", "room_id", roomID, "participant_id", from)
		return false
	}
	tracing.AddSpanAttributes(ctx, tracing.RoleKey.String(string(sender.Role)))

	if !Allowed(sender.Role, f.Type) {
		s.metrics.RecordSignalMessage(msgType, "forbidden")
		s.sendError(ctx, t, from, apperrors.NewAuthorizationError(
			fmt.Sprintf("role %s may not send %s", sender.Role, f.Type)))
		return true
	}
	if f.RoomID != roomID {
		s.metrics.RecordSignalMessage(msgType, "forbidden")
		s.sendError(ctx, t, from, apperrors.NewAuthorizationError("roomId does not match connection"))
		return true
	}
	if f.Target == "" {
		s.metrics.RecordSignalMessage(msgType, "invalid")
		s.sendError(ctx, t, from, apperrors.NewValidationError("target is required"))
		return true
	}

	out, err := f.forward(from)
	if err != nil {
		s.sendError(ctx, t, from, apperrors.NewInternalError("failed to encode frame"))
		return true
	}
	if err := s.registry.Send(roomID, f.Target, out); err != nil {
		s.metrics.RecordSignalMessage(msgType, "undeliverable")
		s.sendError(ctx, t, from, apperrors.NewNotFoundError("target").WithContext("target", f.Target))
		return true
	}

	s.registry.TouchParticipant(roomID, from)
	s.metrics.RecordSignalMessage(msgType, "relayed")
	s.logger.Debugw("relayed frame",
		"type", f.Type,
		"room_id", roomID,
		"from", from,
		"target", f.Target,
	)
	return true
}

func (s *WebSocketServer) sendError(ctx context.Context, t *wsTransport, participantID domain.ParticipantID, appErr *apperrors.AppError) {
	tracing.SetSpanStatus(ctx, codes.Error, appErr.Message)
	s.metrics.RecordSignalError(string(appErr.Code))

	frame := newErrorFrame(appErr)
	if appErr.Code == apperrors.ErrCodeNotFound {
		frame.Error = "target not available"
	}
	if err := t.Send(frame); err != nil {
		s.logger.Debugw("failed to send error frame", "participant_id", participantID, "error", err)
	}
}

func (s *WebSocketServer) track(t *wsTransport) {
	s.mu.Lock()
	s.connections[t] = struct{}{}
	s.mu.Unlock()
}

func (s *WebSocketServer) untrack(t *wsTransport) {
	s.mu.Lock()
	delete(s.connections, t)
	s.mu.Unlock()
}

// ConnectionCount is the number of attached sockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Shutdown closes every socket with a going-away frame. The read loops then
// detach their participants.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	transports := make([]*wsTransport, 0, len(s.connections))
	for t := range s.connections {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	for _, t := range transports {
		t.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.logger.Infow("signaling relay shut down", "connections", len(transports))
}
