package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"duet/internal/assets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// captureConn records every frame sent through it.
type captureConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureConn) Send(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *captureConn) all() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *captureConn) last(t *testing.T) map[string]interface{} {
	t.Helper()
	frames := c.all()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func (c *captureConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// loopConn delivers frames synchronously to another channel.
type loopConn struct {
	peer *Channel
}

func (c *loopConn) Send(data []byte) error {
	c.peer.Receive(context.Background(), data)
	return nil
}

func newTestChannel(t *testing.T, role string) *Channel {
	t.Helper()
	return NewChannel(JSONCodec{}, role, zaptest.NewLogger(t).Sugar())
}

func openCaptured(t *testing.T, ch *Channel) *captureConn {
	t.Helper()
	conn := &captureConn{}
	require.NoError(t, ch.Open(conn))
	require.Equal(t, "hello", conn.last(t)["type"])
	return conn
}

func ackFrame(forTxn string, ok bool, msg string) []byte {
	data, _ := JSONCodec{}.Encode(TypeAck, "", 1, AckPayload{OK: ok, ForTxn: forTxn, Error: msg})
	return data
}

func TestChannel_TelemetryIsAckedWithNumericSentAt(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	var stored TelemetryPayload
	ch.Handle(TypeTelemetry, func(ctx context.Context, env *Envelope) error {
		return env.Decode(&stored)
	})
	conn := openCaptured(t, ch)

	ch.Receive(context.Background(), []byte(`{"type":"telemetry.levels","txn":"txn-1","payload":{"mic":-12.5,"program":-6.2},"sentAt":1}`))

	require.Equal(t, 2, conn.count())
	ack := conn.last(t)
	assert.Equal(t, "ack", ack["type"])
	_, numeric := ack["sentAt"].(float64)
	assert.True(t, numeric)
	payload := ack["payload"].(map[string]interface{})
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, "txn-1", payload["forTxn"])
	assert.Equal(t, TelemetryPayload{Mic: -12.5, Program: -6.2}, stored)
}

func TestChannel_CallResolvesOnlyOnMatchingAck(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	conn := openCaptured(t, ch)

	call, err := ch.Go(TypeSeek, SeekPayload{ID: "a", Offset: 1.5})
	require.NoError(t, err)
	sent := conn.last(t)
	assert.Equal(t, call.Txn, sent["txn"])

	ch.Receive(context.Background(), ackFrame("someone-else", true, ""))
	select {
	case <-call.Done:
		t.Fatal("resolved by a foreign ack")
	default:
	}
	assert.Equal(t, 2, ch.Pending(), "hello and seek still pending")

	ch.Receive(context.Background(), ackFrame(call.Txn, true, ""))
	ack, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ack.OK)

	// A duplicate ack has no visible effect.
	ch.Receive(context.Background(), ackFrame(call.Txn, false, "late"))
	ack, err = call.Result()
	require.NoError(t, err)
	assert.True(t, ack.OK)
}

func TestChannel_OutOfOrderAcks(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	openCaptured(t, ch)

	first, err := ch.Go(TypeLoad, LoadPayload{ID: "a"})
	require.NoError(t, err)
	second, err := ch.Go(TypeLoad, LoadPayload{ID: "b"})
	require.NoError(t, err)

	ch.Receive(context.Background(), ackFrame(second.Txn, false, "asset b not available"))
	ch.Receive(context.Background(), ackFrame(first.Txn, true, ""))

	_, err = first.Wait(context.Background())
	assert.NoError(t, err)

	_, err = second.Wait(context.Background())
	var nack *NackError
	require.True(t, errors.As(err, &nack))
	assert.Equal(t, "asset b not available", nack.Message)
	assert.Equal(t, TypeLoad, nack.Type)
}

func TestChannel_HandlerFailuresBecomeNegativeAcks(t *testing.T) {
	ch := newTestChannel(t, "explorer")
	ch.Handle(TypeSeek, func(ctx context.Context, env *Envelope) error {
		panic("boom")
	})
	ch.Handle(TypeStop, func(ctx context.Context, env *Envelope) error {
		return errors.New("nothing playing")
	})
	conn := openCaptured(t, ch)

	ch.Receive(context.Background(), []byte(`{"type":"cmd.seek","txn":"t1","payload":{"id":"a","offset":2}}`))
	payload := conn.last(t)["payload"].(map[string]interface{})
	assert.Equal(t, false, payload["ok"])
	assert.Equal(t, "t1", payload["forTxn"])
	assert.Contains(t, payload["error"], "boom")

	ch.Receive(context.Background(), []byte(`{"type":"cmd.stop","txn":"t2","payload":{"id":"a"}}`))
	payload = conn.last(t)["payload"].(map[string]interface{})
	assert.Equal(t, "nothing playing", payload["error"])

	// The channel keeps working afterwards.
	assert.Equal(t, StateOpen, ch.State())
}

func TestChannel_UnknownAndGarbageFrames(t *testing.T) {
	ch := newTestChannel(t, "explorer")
	conn := openCaptured(t, ch)

	ch.Receive(context.Background(), []byte(`not json`))
	ch.Receive(context.Background(), []byte(`{"payload":{}}`))
	ch.Receive(context.Background(), []byte(`{"type":"cmd.fly"}`))
	assert.Equal(t, 1, conn.count(), "no replies without a txn")

	ch.Receive(context.Background(), []byte(`{"type":"cmd.fly","txn":"t9"}`))
	require.Equal(t, 2, conn.count())
	payload := conn.last(t)["payload"].(map[string]interface{})
	assert.Equal(t, false, payload["ok"])
	assert.Equal(t, "t9", payload["forTxn"])
	assert.Contains(t, payload["error"], "unknown message type")

	// Known type without a handler.
	ch.Receive(context.Background(), []byte(`{"type":"cmd.load","txn":"t10","payload":{"id":"a"}}`))
	payload = conn.last(t)["payload"].(map[string]interface{})
	assert.Equal(t, false, payload["ok"])
	assert.Contains(t, payload["error"], "no handler")
}

func TestChannel_CallHonoursContext(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	openCaptured(t, ch)
	before := ch.Pending()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Call(ctx, TypeUnload, UnloadPayload{ID: "a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before, ch.Pending(), "timed out call is forgotten")
}

func TestChannel_ClosedChannel(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	assert.ErrorIs(t, ch.Notify(TypeTelemetry, TelemetryPayload{}), ErrClosed)

	openCaptured(t, ch)
	call, err := ch.Go(TypeStop, StopPayload{ID: "a"})
	require.NoError(t, err)
	ch.Close()

	assert.Equal(t, StateClosed, ch.State())
	select {
	case <-call.Done:
		t.Fatal("close must not resolve pending calls")
	default:
	}
	_, err = ch.Go(TypeStop, StopPayload{ID: "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_SweepPending(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	now := time.Now()
	ch.now = func() time.Time { return now }
	openCaptured(t, ch)

	old, err := ch.Go(TypeSeek, SeekPayload{ID: "a"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	fresh, err := ch.Go(TypeSeek, SeekPayload{ID: "b"})
	require.NoError(t, err)

	// hello and the first seek are stale.
	assert.Equal(t, 2, ch.SweepPending(30*time.Second))
	_, err = old.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCallExpired)

	select {
	case <-fresh.Done:
		t.Fatal("fresh call swept")
	default:
	}
	assert.Equal(t, 1, ch.Pending())
}

func TestChannel_ManifestReplayedOnEveryHello(t *testing.T) {
	facilitator := newTestChannel(t, "facilitator")
	explorer := newTestChannel(t, "explorer")

	var mu sync.Mutex
	var received [][]assets.Entry
	explorer.Handle(TypeManifest, func(ctx context.Context, env *Envelope) error {
		var m ManifestPayload
		if err := env.Decode(&m); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, m.Entries)
		mu.Unlock()
		return nil
	})

	require.NoError(t, facilitator.Open(&loopConn{peer: explorer}))
	require.NoError(t, explorer.Open(&loopConn{peer: facilitator}))

	entries := []assets.Entry{
		assets.Describe("rain", []byte("rain")),
		assets.Describe("bells", []byte("bells")),
	}
	ack, err := facilitator.SendManifest(context.Background(), entries)
	require.NoError(t, err)
	assert.True(t, ack.OK)

	// Reconnect: the explorer's channel reopens and says hello again.
	pending := facilitator.Pending()
	explorer.Close()
	require.NoError(t, explorer.Open(&loopConn{peer: facilitator}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, entries, received[0])
	assert.Equal(t, received[0], received[1])
	assert.Equal(t, entries, facilitator.LastManifest())
	assert.Equal(t, pending, facilitator.Pending(), "replayed manifest was acked")
}

func TestChannel_RejectedManifestNotReplayed(t *testing.T) {
	facilitator := newTestChannel(t, "facilitator")
	explorer := newTestChannel(t, "explorer")

	var mu sync.Mutex
	var received [][]assets.Entry
	explorer.Handle(TypeManifest, func(ctx context.Context, env *Envelope) error {
		var m ManifestPayload
		if err := env.Decode(&m); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, m.Entries)
		mu.Unlock()
		for _, e := range m.Entries {
			if e.ID == "corrupt" {
				return errors.New("unreadable entry")
			}
		}
		return nil
	})

	require.NoError(t, facilitator.Open(&loopConn{peer: explorer}))
	require.NoError(t, explorer.Open(&loopConn{peer: facilitator}))

	good := []assets.Entry{assets.Describe("rain", []byte("rain"))}
	_, err := facilitator.SendManifest(context.Background(), good)
	require.NoError(t, err)

	bad := []assets.Entry{assets.Describe("corrupt", []byte("x"))}
	ack, err := facilitator.SendManifest(context.Background(), bad)
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.False(t, ack.OK)
	assert.Equal(t, good, facilitator.LastManifest())

	explorer.Close()
	require.NoError(t, explorer.Open(&loopConn{peer: facilitator}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Equal(t, good, received[2])
}

func TestChannel_UnackedManifestNotCached(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	openCaptured(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.SendManifest(ctx, []assets.Entry{assets.Describe("rain", []byte("rain"))})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, ch.LastManifest())
	assert.Zero(t, ch.Pending())
}

func TestChannel_OnHelloHooksRun(t *testing.T) {
	ch := newTestChannel(t, "facilitator")
	calls := 0
	ch.OnHello(func() { calls++ })
	ch.OnHello(func() { panic("bad hook") })
	conn := openCaptured(t, ch)

	ch.Receive(context.Background(), []byte(`{"type":"hello","txn":"h1","payload":{"role":"explorer","version":1}}`))
	assert.Equal(t, 1, calls)
	payload := conn.last(t)["payload"].(map[string]interface{})
	assert.Equal(t, "h1", payload["forTxn"])
	assert.Equal(t, true, payload["ok"])
}

func TestChannel_MsgpackCodec(t *testing.T) {
	codec, err := CodecByName("msgpack")
	require.NoError(t, err)

	a := NewChannel(codec, "facilitator", zaptest.NewLogger(t).Sugar())
	b := NewChannel(codec, "explorer", zaptest.NewLogger(t).Sugar())

	var got CrossfadePayload
	b.Handle(TypeCrossfade, func(ctx context.Context, env *Envelope) error {
		return env.Decode(&got)
	})

	require.NoError(t, a.Open(&loopConn{peer: b}))
	require.NoError(t, b.Open(&loopConn{peer: a}))

	to := 3.0
	ack, err := a.Call(context.Background(), TypeCrossfade, CrossfadePayload{FromID: "a", ToID: "b", Duration: 2, ToOffset: &to})
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, "a", got.FromID)
	assert.Equal(t, "b", got.ToID)
	require.NotNil(t, got.ToOffset)
	assert.Equal(t, 3.0, *got.ToOffset)

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
