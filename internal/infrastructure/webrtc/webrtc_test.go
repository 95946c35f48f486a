package webrtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"duet/internal/control"
	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/internal/core/services"
	"duet/internal/infrastructure/repositories/memory"
	"duet/internal/infrastructure/signal"
	"duet/pkg/config"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type relayHarness struct {
	t        *testing.T
	url      string
	token    string
	room     domain.RoomID
	registry ports.RoomRegistry
	relay    *signal.WebSocketServer
	logger   *zap.SugaredLogger
}

func newRelayHarness(t *testing.T) *relayHarness {
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

	creds := signal.NewCredentialsProvider([]config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
	}, "", 0)
	relay := signal.NewWebSocketServer(auth, registry, creds, signal.DefaultOptions(), nil, logger)
	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(server.Close)

	return &relayHarness{
		t:        t,
		url:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		token:    token,
		room:     room,
		registry: registry,
		relay:    relay,
		logger:   logger,
	}
}

func (h *relayHarness) joiner(role domain.Role) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		p, err := h.registry.AddParticipant(h.room, "", role)
		if err != nil {
			return "", err
		}
		return string(p.ID), nil
	}
}

func (h *relayHarness) client(join func(context.Context) (string, error), participantID string) *SignalingClient {
	c := NewSignalingClient(ClientConfig{
		URL:              h.url,
		Token:            h.token,
		RoomID:           string(h.room),
		ParticipantID:    participantID,
		Join:             join,
		HandshakeTimeout: 2 * time.Second,
	}, h.logger)
	h.t.Cleanup(func() { c.Close() })
	return c
}

func TestSignalingClient_Credentials(t *testing.T) {
	h := newRelayHarness(t)
	c := h.client(h.joiner(domain.RoleExplorer), "")

	got := make(chan signal.CredentialsPayload, 1)
	c.OnCredentials(func(p signal.CredentialsPayload) { got <- p })

	require.NoError(t, c.Connect(context.Background()))
	select {
	case p := <-got:
		require.Len(t, p.ICEServers, 1)
		assert.Equal(t, []string{"stun:stun.example.org:3478"}, p.URLs)
	case <-time.After(2 * time.Second):
		t.Fatal("no credentials")
	}

	p, err := h.registry.GetParticipant(h.room, domain.ParticipantID(c.ParticipantID()))
	require.NoError(t, err)
	assert.True(t, p.Connected())
}

func TestSignalingClient_RefusedIsPermanent(t *testing.T) {
	h := newRelayHarness(t)
	c := h.client(nil, "ghost")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.RunWithReconnect(ctx)
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "should give up without waiting for the deadline")
}

func TestSignalingClient_ReconnectsWithFreshParticipant(t *testing.T) {
	h := newRelayHarness(t)
	var joins int32
	join := h.joiner(domain.RoleExplorer)
	c := h.client(func(ctx context.Context) (string, error) {
		atomic.AddInt32(&joins, 1)
		return join(ctx)
	}, "")

	connected := make(chan string, 4)
	c.OnCredentials(func(signal.CredentialsPayload) { connected <- c.ParticipantID() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunWithReconnect(ctx) }()

	var first string
	select {
	case first = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("first connect timed out")
	}

	h.relay.Shutdown()

	select {
	case second := <-connected:
		assert.NotEqual(t, first, second)
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect timed out")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&joins))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunWithReconnect did not stop")
	}
}

func TestSessions_NegotiateThroughRelay(t *testing.T) {
	h := newRelayHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := h.client(h.joiner(domain.RoleFacilitator), "")
	ec := h.client(h.joiner(domain.RoleExplorer), "")
	require.NoError(t, fc.Connect(ctx))
	require.NoError(t, ec.Connect(ctx))

	fch := control.NewChannel(control.JSONCodec{}, "facilitator", h.logger)
	ech := control.NewChannel(control.JSONCodec{}, "explorer", h.logger)

	fs, err := NewSession(ctx, Config{}, ec.ParticipantID(), fc, fch, h.logger)
	require.NoError(t, err)
	defer fs.Close()

	offers := make(chan string, 1)
	var es *Session
	ec.OnFrame(func(f Frame) {
		switch {
		case f.Type == "sdp" && f.SDP != nil && f.SDP.Type == webrtc.SDPTypeOffer:
			offers <- f.From
			s, err := NewSession(ctx, Config{}, f.From, ec, ech, h.logger)
			if err != nil {
				return
			}
			es = s
			es.HandleSDP(*f.SDP)
		case f.Type == "ice" && f.Candidate != nil && es != nil:
			es.HandleCandidate(*f.Candidate)
		}
	})

	answers := make(chan string, 1)
	fc.OnFrame(func(f Frame) {
		switch {
		case f.Type == "sdp" && f.SDP != nil && f.SDP.Type == webrtc.SDPTypeAnswer:
			answers <- f.From
			fs.HandleSDP(*f.SDP)
		case f.Type == "ice" && f.Candidate != nil:
			fs.HandleCandidate(*f.Candidate)
		}
	})

	go fc.Run(ctx)
	go ec.Run(ctx)

	require.NoError(t, fs.Offer())

	select {
	case from := <-offers:
		assert.Equal(t, fc.ParticipantID(), from)
	case <-time.After(5 * time.Second):
		t.Fatal("explorer never saw the offer")
	}
	select {
	case from := <-answers:
		assert.Equal(t, ec.ParticipantID(), from)
	case <-time.After(5 * time.Second):
		t.Fatal("facilitator never saw the answer")
	}
}

func TestSession_QueuesCandidatesUntilRemoteDescription(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	ch := control.NewChannel(nil, "explorer", logger)
	s, err := NewSession(context.Background(), Config{}, "remote", &nopSignaler{}, ch, logger)
	require.NoError(t, err)

	require.NoError(t, s.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 9 typ host"}))
	s.mu.Lock()
	assert.Len(t, s.pendingICE, 1)
	s.mu.Unlock()

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.HandleCandidate(webrtc.ICECandidateInit{}), ErrSessionClosed)
	assert.NoError(t, s.Close())
}

type nopSignaler struct {
	sdp int32
}

func (n *nopSignaler) SendSDP(string, webrtc.SessionDescription) error {
	atomic.AddInt32(&n.sdp, 1)
	return nil
}

func (n *nopSignaler) SendCandidate(string, webrtc.ICECandidateInit) error { return nil }

func TestSession_OfferSendsSDP(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	sig := &nopSignaler{}
	s, err := NewSession(context.Background(), Config{}, "remote", sig, control.NewChannel(nil, "facilitator", logger), logger)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Offer())
	assert.Equal(t, int32(1), atomic.LoadInt32(&sig.sdp))
}

type recordingChannel struct {
	text   []string
	binary [][]byte
}

func (r *recordingChannel) Send(data []byte) error {
	r.binary = append(r.binary, data)
	return nil
}

func (r *recordingChannel) SendText(s string) error {
	r.text = append(r.text, s)
	return nil
}

func TestDataChannelConn_FramingFollowsCodec(t *testing.T) {
	rec := &recordingChannel{}

	text := &dataChannelConn{dc: rec, binary: control.JSONCodec{}.Binary()}
	require.NoError(t, text.Send([]byte(`{"type":"hello"}`)))
	assert.Equal(t, []string{`{"type":"hello"}`}, rec.text)
	assert.Empty(t, rec.binary)

	bin := &dataChannelConn{dc: rec, binary: control.MsgpackCodec{}.Binary()}
	require.NoError(t, bin.Send([]byte{0x81}))
	assert.Equal(t, [][]byte{{0x81}}, rec.binary)
}
