package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"duet/internal/control"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	mu  sync.Mutex
	now float64
}

func (f *fakeSource) read() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeSource) advance(ms float64) {
	f.mu.Lock()
	f.now += ms
	f.mu.Unlock()
}

func TestPeerClock_FirstSampleSetsOffset(t *testing.T) {
	src := &fakeSource{now: 1000}
	c := NewWithSource(DefaultConfig(), src.read)
	assert.False(t, c.Synced())

	// Remote is 500ms ahead, 20ms round trip.
	est, ok := c.AddSample(1000, 1510, 1020)
	require.True(t, ok)
	assert.True(t, c.Synced())
	assert.InDelta(t, 500, est.Offset, 1e-9)
	assert.InDelta(t, 20, est.RTT, 1e-9)
	assert.InDelta(t, 1500, c.Now(), 1e-9)
	assert.InDelta(t, 1000, c.ToLocal(1500), 1e-9)
}

func TestPeerClock_OutlierJumpIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	c := NewWithSource(cfg, func() float64 { return 0 })

	for i := 0; i < 4; i++ {
		base := float64(i * 100)
		c.AddSample(base, base+10+100, base+20)
	}
	require.InDelta(t, 100, c.Offset(), 1e-9)

	// One slow round trip claiming a 900ms shift.
	est, ok := c.AddSample(1000, 1000+1000+900, 1000+1800)
	require.True(t, ok)
	assert.InDelta(t, 100, est.Offset, 1e-9, "slow sample loses the min-RTT pick")

	// Even a persistent shift moves at most MaxStep per update.
	prev := c.Offset()
	for i := 0; i < 10; i++ {
		base := 5000 + float64(i*100)
		est, _ = c.AddSample(base, base+5+900, base+10)
		step := est.Offset - prev
		assert.LessOrEqual(t, step, float64(cfg.MaxStep/time.Millisecond)+1e-9)
		prev = est.Offset
	}
	assert.Greater(t, c.Offset(), 100.0)
}

func TestPeerClock_RejectsInvalidSamples(t *testing.T) {
	c := NewWithSource(Config{MaxRTT: time.Second}, func() float64 { return 0 })

	_, ok := c.AddSample(100, 50, 90)
	assert.False(t, ok, "negative rtt")
	_, ok = c.AddSample(0, 50, 5000)
	assert.False(t, ok, "rtt above max")
	assert.False(t, c.Synced())
}

func TestPeerClock_OnUpdateAndUnsubscribe(t *testing.T) {
	c := NewWithSource(DefaultConfig(), func() float64 { return 0 })

	var got []Estimate
	unsubscribe := c.OnUpdate(func(e Estimate) { got = append(got, e) })

	c.AddSample(0, 50, 10)
	require.Len(t, got, 1)
	assert.InDelta(t, 45, got[0].Offset, 1e-9)

	unsubscribe()
	c.AddSample(100, 150, 110)
	assert.Len(t, got, 1)
}

func TestPeerClock_Until(t *testing.T) {
	src := &fakeSource{now: 0}
	c := NewWithSource(DefaultConfig(), src.read)
	c.AddSample(0, 200, 0)

	assert.Equal(t, 300*time.Millisecond, c.Until(500))
	src.advance(400)
	assert.Equal(t, time.Duration(0), c.Until(500))
}

type loopConn struct {
	peer *control.Channel
}

func (c *loopConn) Send(data []byte) error {
	c.peer.Receive(context.Background(), data)
	return nil
}

func TestSyncer_PingPongEstimatesPeer(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	a := control.NewChannel(control.JSONCodec{}, "facilitator", logger)
	b := control.NewChannel(control.JSONCodec{}, "explorer", logger)

	srcA := &fakeSource{now: 1000}
	srcB := &fakeSource{now: 61000}
	clockA := NewWithSource(DefaultConfig(), srcA.read)
	clockB := NewWithSource(DefaultConfig(), srcB.read)
	syncA := NewSyncer(clockA, a, time.Second, logger)
	NewSyncer(clockB, b, time.Second, logger)

	require.NoError(t, a.Open(&loopConn{peer: b}))
	require.NoError(t, b.Open(&loopConn{peer: a}))

	require.NoError(t, syncA.Ping())
	require.True(t, clockA.Synced())
	assert.InDelta(t, 60000, clockA.Offset(), 1e-9)
	assert.InDelta(t, srcB.read(), clockA.Now(), 1e-9)
	assert.False(t, clockB.Synced(), "only the pinging side learns")
}
