package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/internal/core/services"
	"duet/internal/infrastructure/repositories/memory"
	"duet/pkg/config"
	apperrors "duet/pkg/errors"
	"duet/pkg/tracing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

const turnSecret = "turn-secret"

type harness struct {
	t        *testing.T
	server   *httptest.Server
	relay    *WebSocketServer
	registry ports.RoomRegistry
	token    string
	room     domain.RoomID
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	auth, err := services.NewAuthService(ctx, "test-secret", time.Hour, memory.NewMemoryUserStore(), logger)
	require.NoError(t, err)
	_, err = auth.Register(ctx, "alice", "password1", domain.RoleFacilitator)
	require.NoError(t, err)
	token, err := auth.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	registry, err := services.NewRoomRegistry(ctx, memory.NewMemoryRoomStore(), logger)
	require.NoError(t, err)
	room, err := registry.CreateRoom(ctx, "studio", "alice")
	require.NoError(t, err)

	creds := NewCredentialsProvider([]config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478", "turns:turn.example.org:5349"}},
	}, turnSecret, time.Hour)

	relay := NewWebSocketServer(auth, registry, creds, opts, nil, logger)
	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(server.Close)

	return &harness{t: t, server: server, relay: relay, registry: registry, token: token, room: room}
}

func (h *harness) dialRaw(room domain.RoomID, id domain.ParticipantID, token string) (*websocket.Conn, *http.Response, error) {
	q := url.Values{}
	q.Set("roomId", string(room))
	q.Set("participantId", string(id))
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?" + q.Encode()
	d := websocket.Dialer{Subprotocols: []string{token}, HandshakeTimeout: 2 * time.Second}
	return d.Dial(u, nil)
}

type client struct {
	t    *testing.T
	id   domain.ParticipantID
	conn *websocket.Conn
	cred CredentialsPayload
}

// join adds a participant and connects it. The credentials frame arrives
// only after attach, so the returned client is attached.
func (h *harness) join(role domain.Role) *client {
	h.t.Helper()
	p, err := h.registry.AddParticipant(h.room, "", role)
	require.NoError(h.t, err)
	return h.connect(p.ID)
}

func (h *harness) connect(id domain.ParticipantID) *client {
	h.t.Helper()
	conn, resp, err := h.dialRaw(h.room, id, h.token)
	require.NoError(h.t, err)
	assert.Equal(h.t, h.token, resp.Header.Get("Sec-WebSocket-Protocol"))
	h.t.Cleanup(func() { conn.Close() })

	c := &client{t: h.t, id: id, conn: conn}
	var frame struct {
		Type    MessageType        `json:"type"`
		Payload CredentialsPayload `json:"payload"`
	}
	require.NoError(h.t, json.Unmarshal(c.read(), &frame))
	require.Equal(h.t, TypeCredentials, frame.Type)
	c.cred = frame.Payload
	return c
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) read() []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return data
}

func (c *client) readMap() map[string]interface{} {
	c.t.Helper()
	var m map[string]interface{}
	require.NoError(c.t, json.Unmarshal(c.read(), &m))
	return m
}

func (c *client) readError() errorFrame {
	c.t.Helper()
	var f errorFrame
	require.NoError(c.t, json.Unmarshal(c.read(), &f))
	require.Equal(c.t, TypeError, f.Type)
	return f
}

// expectSilence asserts nothing arrives within d.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func (c *client) expectClose(code int) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(c.t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		assert.Equal(c.t, code, closeErr.Code)
		return
	}
}

func frameTo(room domain.RoomID, target domain.ParticipantID, typ string, extra map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{"type": typ, "roomId": room, "target": target}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func TestRelay_CredentialsFrame(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	c := h.join(domain.RoleExplorer)

	assert.Equal(t, []string{"stun:stun.example.org:3478", "turn:turn.example.org:3478", "turns:turn.example.org:5349"}, c.cred.URLs)
	require.NotEmpty(t, c.cred.Username)
	assert.True(t, strings.HasSuffix(c.cred.Username, ":"+string(c.id)))
	assert.Equal(t, TURNCredential(turnSecret, c.cred.Username), c.cred.Credential)
	require.Len(t, c.cred.ICEServers, 2)
	assert.Empty(t, c.cred.ICEServers[0].Username)
	assert.Equal(t, c.cred.Username, c.cred.ICEServers[1].Username)
}

func TestRelay_DeliversWithFrom(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	fac := h.join(domain.RoleFacilitator)
	exp := h.join(domain.RoleExplorer)

	fac.send(frameTo(h.room, exp.id, "sdp", map[string]interface{}{
		"sdp":  map[string]string{"type": "offer", "sdp": "v=0"},
		"from": "spoofed",
	}))

	got := exp.readMap()
	assert.Equal(t, "sdp", got["type"])
	assert.Equal(t, string(fac.id), got["from"])
	assert.Equal(t, map[string]interface{}{"type": "offer", "sdp": "v=0"}, got["sdp"])

	exp.send(frameTo(h.room, fac.id, "ack", map[string]interface{}{
		"payload": map[string]interface{}{"ok": true, "forTxn": "txn-1"},
	}))
	got = fac.readMap()
	assert.Equal(t, "ack", got["type"])
	assert.Equal(t, string(exp.id), got["from"])
}

func TestRelay_SpanCarriesSenderRole(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t, DefaultOptions())
	fac := h.join(domain.RoleFacilitator)
	exp := h.join(domain.RoleExplorer)

	fac.send(frameTo(h.room, exp.id, "ice", map[string]interface{}{"candidate": "c"}))
	require.Equal(t, "ice", exp.readMap()["type"])

	require.Eventually(t, func() bool {
		for _, span := range rec.Ended() {
			if span.Name() != "signal.ice" {
				continue
			}
			for _, kv := range span.Attributes() {
				if kv.Key == tracing.RoleKey && kv.Value.AsString() == string(domain.RoleFacilitator) {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_ListenerGate(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	fac := h.join(domain.RoleFacilitator)
	lis := h.join(domain.RoleListener)

	lis.send(frameTo(h.room, fac.id, "cmd.play", map[string]interface{}{
		"txn": "txn-1", "payload": map[string]interface{}{"id": "rain"},
	}))
	errFrame := lis.readError()
	assert.Equal(t, apperrors.ErrCodeAuthorization, errFrame.Code)
	fac.expectSilence(200 * time.Millisecond)

	// The next frame the listener sees is the answer to its next message,
	// so the rejected one produced exactly one error.
	lis.send(frameTo(h.room, "ghost", "ice", map[string]interface{}{"candidate": "c"}))
	assert.Equal(t, "target not available", lis.readError().Error)

	lis.send(frameTo(h.room, fac.id, "ice", map[string]interface{}{"candidate": "c"}))
	assert.Equal(t, "ice", fac.readMap()["type"])
}

func TestRelay_MalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	fac := h.join(domain.RoleFacilitator)
	exp := h.join(domain.RoleExplorer)

	require.NoError(t, fac.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, apperrors.ErrCodeProtocol, fac.readError().Code)

	fac.send(frameTo(h.room, exp.id, "bogus", nil))
	assert.Equal(t, apperrors.ErrCodeProtocol, fac.readError().Code)

	fac.send(frameTo(h.room, exp.id, "sdp", nil))
	assert.Equal(t, apperrors.ErrCodeValidation, fac.readError().Code)

	fac.send(frameTo(h.room, exp.id, "ack", map[string]interface{}{"payload": map[string]interface{}{"ok": true}}))
	assert.Equal(t, apperrors.ErrCodeValidation, fac.readError().Code)

	fac.send(frameTo(h.room, exp.id, "sdp", map[string]interface{}{"sdp": "v=0"}))
	assert.Equal(t, "sdp", exp.readMap()["type"])
}

func TestRelay_TargetNotAvailable(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	fac := h.join(domain.RoleFacilitator)

	fac.send(frameTo(h.room, "nobody", "sdp", map[string]interface{}{"sdp": "v=0"}))
	f := fac.readError()
	assert.Equal(t, apperrors.ErrCodeNotFound, f.Code)
	assert.Equal(t, "target not available", f.Error)

	detached, err := h.registry.AddParticipant(h.room, "", domain.RoleExplorer)
	require.NoError(t, err)
	fac.send(frameTo(h.room, detached.ID, "sdp", map[string]interface{}{"sdp": "v=0"}))
	assert.Equal(t, "target not available", fac.readError().Error)

	fac.send(map[string]interface{}{"type": "sdp", "roomId": h.room, "sdp": "v=0"})
	assert.Equal(t, apperrors.ErrCodeValidation, fac.readError().Code)
}

func TestRelay_RoomMismatch(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	fac := h.join(domain.RoleFacilitator)
	exp := h.join(domain.RoleExplorer)

	fac.send(frameTo("elsewhere", exp.id, "sdp", map[string]interface{}{"sdp": "v=0"}))
	assert.Equal(t, apperrors.ErrCodeAuthorization, fac.readError().Code)

	fac.send(map[string]interface{}{"type": "sdp", "target": exp.id, "sdp": "v=0"})
	assert.Equal(t, apperrors.ErrCodeAuthorization, fac.readError().Code)
	exp.expectSilence(200 * time.Millisecond)
}

func TestRelay_AuthFailureClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	p, err := h.registry.AddParticipant(h.room, "", domain.RoleExplorer)
	require.NoError(t, err)

	conn, _, err := h.dialRaw(h.room, p.ID, "not-a-token")
	require.NoError(t, err)
	defer conn.Close()
	(&client{t: t, conn: conn}).expectClose(websocket.ClosePolicyViolation)

	conn, _, err = h.dialRaw(h.room, "ghost", h.token)
	require.NoError(t, err)
	defer conn.Close()
	(&client{t: t, conn: conn}).expectClose(websocket.ClosePolicyViolation)

	connected, err := h.registry.GetParticipant(h.room, p.ID)
	require.NoError(t, err)
	assert.False(t, connected.Connected())
}

func TestRelay_TokenFromQuery(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	p, err := h.registry.AddParticipant(h.room, "", domain.RoleExplorer)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("roomId", string(h.room))
	q.Set("participantId", string(p.ID))
	q.Set("token", h.token)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.server.URL, "http")+"/ws?"+q.Encode(), nil)
	require.NoError(t, err)
	defer conn.Close()

	c := &client{t: t, conn: conn}
	assert.Equal(t, string(TypeCredentials), c.readMap()["type"])
}

func TestRelay_KickClosesSocket(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	exp := h.join(domain.RoleExplorer)

	require.NoError(t, h.registry.KickParticipant(h.room, exp.id))
	exp.expectClose(websocket.CloseNormalClosure)

	_, err := h.registry.GetParticipant(h.room, exp.id)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.relay.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_DisconnectRemovesParticipant(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	exp := h.join(domain.RoleExplorer)

	p, err := h.registry.GetParticipant(h.room, exp.id)
	require.NoError(t, err)
	assert.True(t, p.Connected())

	exp.conn.Close()
	assert.Eventually(t, func() bool {
		_, err := h.registry.GetParticipant(h.room, exp.id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_ReattachReplacesSocket(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	first := h.join(domain.RoleExplorer)
	second := h.connect(first.id)

	first.expectClose(websocket.CloseNormalClosure)

	// The stale socket's teardown must not remove the participant.
	time.Sleep(100 * time.Millisecond)
	p, err := h.registry.GetParticipant(h.room, first.id)
	require.NoError(t, err)
	assert.True(t, p.Connected())

	fac := h.join(domain.RoleFacilitator)
	fac.send(frameTo(h.room, second.id, "hello", map[string]interface{}{"payload": map[string]interface{}{}}))
	assert.Equal(t, "hello", second.readMap()["type"])
}

func TestRelay_RateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MessagesPerSecond = 0.001
	opts.Burst = 1
	h := newHarness(t, opts)
	fac := h.join(domain.RoleFacilitator)
	exp := h.join(domain.RoleExplorer)

	fac.send(frameTo(h.room, exp.id, "sdp", map[string]interface{}{"sdp": "v=0"}))
	fac.send(frameTo(h.room, exp.id, "sdp", map[string]interface{}{"sdp": "v=0"}))

	assert.Equal(t, "sdp", exp.readMap()["type"])
	assert.Equal(t, apperrors.ErrCodeRateLimit, fac.readError().Code)
}

func TestRelay_Shutdown(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	exp := h.join(domain.RoleExplorer)
	require.Equal(t, 1, h.relay.ConnectionCount())

	h.relay.Shutdown()
	exp.expectClose(websocket.CloseGoingAway)
}

func TestCapabilities(t *testing.T) {
	for _, typ := range []MessageType{"sdp", "ice", "ack", "hello", "clock.pong"} {
		assert.True(t, Allowed(domain.RoleListener, typ), typ)
	}
	for _, typ := range []MessageType{"clock.ping", "cmd.play", "cmd.load", "telemetry.levels", "asset.manifest"} {
		assert.False(t, Allowed(domain.RoleListener, typ), typ)
	}
	assert.True(t, Allowed(domain.RoleExplorer, "asset.state"))
	assert.False(t, Allowed(domain.RoleExplorer, "cmd.crossfade"))
	assert.True(t, Allowed(domain.RoleFacilitator, "cmd.crossfade"))
	assert.False(t, Allowed(domain.RoleFacilitator, TypeCredentials))
	assert.False(t, Allowed("admin", "sdp"))
}

func TestCheckOrigin(t *testing.T) {
	s := &WebSocketServer{opts: Options{AllowedOrigins: []string{"https://app.example.org"}}}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.org")
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.org")
	assert.False(t, s.checkOrigin(req))
}

func TestCredentialsProvider_StaticCredentials(t *testing.T) {
	p := NewCredentialsProvider([]config.ICEServer{
		{URLs: []string{"turn:turn.example.org"}, Username: "user", Credential: "pass"},
	}, "", 0)

	payload := p.For("p1")
	assert.Equal(t, "user", payload.Username)
	assert.Equal(t, "pass", payload.Credential)
}
