package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duet/internal/assets"
	"duet/internal/infrastructure/monitoring"
	apperrors "duet/pkg/errors"
	"duet/pkg/tracing"
	"duet/pkg/utils"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const protocolVersion = 1

var (
	ErrClosed      = errors.New("control channel closed")
	ErrCallExpired = errors.New("call expired without ack")
)

// NackError is a negative ack from the counterpart.
type NackError struct {
	Type    MessageType
	Txn     string
	Message string
}

func (e *NackError) Error() string {
	return fmt.Sprintf("%s rejected (txn %s): %s", e.Type, e.Txn, e.Message)
}

// Conn is the underlying ordered transport, typically a WebRTC data channel.
type Conn interface {
	Send(data []byte) error
}

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Call is an outstanding txn. Done is closed once the ack arrives or the
// call is swept.
type Call struct {
	Txn    string
	Type   MessageType
	SentAt time.Time
	Done   chan struct{}

	once sync.Once
	ack  *AckPayload
	err  error
}

func newCall(txn string, typ MessageType, sentAt time.Time) *Call {
	return &Call{Txn: txn, Type: typ, SentAt: sentAt, Done: make(chan struct{})}
}

func (c *Call) resolve(ack *AckPayload, err error) {
	c.once.Do(func() {
		c.ack = ack
		c.err = err
		close(c.Done)
	})
}

// Result returns the ack and its error. Only valid after Done is closed.
func (c *Call) Result() (*AckPayload, error) {
	if c.err != nil {
		return c.ack, c.err
	}
	if c.ack != nil && !c.ack.OK {
		return c.ack, &NackError{Type: c.Type, Txn: c.Txn, Message: c.ack.Error}
	}
	return c.ack, nil
}

// Wait blocks until the call resolves or ctx is done.
func (c *Call) Wait(ctx context.Context) (*AckPayload, error) {
	select {
	case <-c.Done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channel runs the txn/ack protocol over a Conn. It owns the pending call
// table and the last manifest it sent, which it replays whenever the peer
// says hello.
type Channel struct {
	codec      Codec
	role       string
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger
	metrics    *monitoring.PrometheusCollector
	now        func() time.Time

	mu       sync.Mutex
	state    State
	conn     Conn
	pending  map[string]*Call
	manifest *ManifestPayload
	onHello  []func()
}

func NewChannel(codec Codec, role string, logger *zap.SugaredLogger) *Channel {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Channel{
		codec:      codec,
		role:       role,
		dispatcher: NewDispatcher(),
		logger:     logger,
		now:        time.Now,
		pending:    make(map[string]*Call),
	}
}

// SetMetrics attaches a collector. Safe to leave unset.
func (ch *Channel) SetMetrics(m *monitoring.PrometheusCollector) {
	ch.metrics = m
}

func (ch *Channel) Codec() Codec {
	return ch.codec
}

// Handle registers h for inbound frames of type t.
func (ch *Channel) Handle(t MessageType, h Handler) {
	ch.dispatcher.Register(t, h)
}

// OnHello registers fn to run after every inbound hello.
func (ch *Channel) OnHello(fn func()) {
	ch.mu.Lock()
	ch.onHello = append(ch.onHello, fn)
	ch.mu.Unlock()
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Open binds conn and announces the channel with a hello. Opening an
// already open channel swaps the connection and says hello again.
func (ch *Channel) Open(conn Conn) error {
	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateOpen
	ch.mu.Unlock()

	ch.logger.Infow("control channel open", "role", ch.role, "codec", ch.codec.Name())
	_, err := ch.Go(TypeHello, HelloPayload{Role: ch.role, Version: protocolVersion})
	return err
}

// Close detaches the connection. Pending calls stay unresolved; callers
// bound them with their own contexts or SweepPending.
func (ch *Channel) Close() {
	ch.mu.Lock()
	wasOpen := ch.state == StateOpen
	ch.conn = nil
	ch.state = StateClosed
	pending := len(ch.pending)
	ch.mu.Unlock()

	if wasOpen {
		ch.logger.Infow("control channel closed", "role", ch.role, "pending", pending)
	}
}

func (ch *Channel) send(typ MessageType, txn string, payload interface{}) error {
	data, err := ch.codec.Encode(typ, txn, utils.UnixMillis(ch.now()), payload)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return nil
}

// Go sends payload with a fresh txn and returns without waiting for the ack.
func (ch *Channel) Go(typ MessageType, payload interface{}) (*Call, error) {
	call := newCall(utils.GenerateTxnID(), typ, ch.now())

	ch.mu.Lock()
	ch.pending[call.Txn] = call
	ch.mu.Unlock()

	if err := ch.send(typ, call.Txn, payload); err != nil {
		ch.forget(call.Txn)
		return nil, err
	}
	return call, nil
}

// Call sends payload and blocks until the matching ack or ctx is done. A
// negative ack is returned as *NackError.
func (ch *Channel) Call(ctx context.Context, typ MessageType, payload interface{}) (*AckPayload, error) {
	call, err := ch.Go(typ, payload)
	if err != nil {
		return nil, err
	}
	ack, err := call.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		ch.forget(call.Txn)
	}
	return ack, err
}

// Notify sends a frame that expects no ack.
func (ch *Channel) Notify(typ MessageType, payload interface{}) error {
	return ch.send(typ, "", payload)
}

// SendManifest sends entries and waits for the ack. Only a manifest the
// peer acked OK replaces the one replayed on hello.
func (ch *Channel) SendManifest(ctx context.Context, entries []assets.Entry) (*AckPayload, error) {
	payload := &ManifestPayload{Entries: append([]assets.Entry(nil), entries...)}
	call, err := ch.Go(TypeManifest, payload)
	if err != nil {
		return nil, err
	}

	ack, err := call.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		ch.forget(call.Txn)
	}
	if err == nil && ack != nil && ack.OK {
		ch.mu.Lock()
		ch.manifest = payload
		ch.mu.Unlock()
	}
	return ack, err
}

// LastManifest returns the entries most recently acked, or nil.
func (ch *Channel) LastManifest() []assets.Entry {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.manifest == nil {
		return nil
	}
	return append([]assets.Entry(nil), ch.manifest.Entries...)
}

func (ch *Channel) forget(txn string) {
	ch.mu.Lock()
	delete(ch.pending, txn)
	ch.mu.Unlock()
}

// Pending returns the number of calls awaiting an ack.
func (ch *Channel) Pending() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

// SweepPending resolves and drops calls older than olderThan with
// ErrCallExpired.
func (ch *Channel) SweepPending(olderThan time.Duration) int {
	now := ch.now()
	var expired []*Call

	ch.mu.Lock()
	for txn, call := range ch.pending {
		if now.Sub(call.SentAt) > olderThan {
			expired = append(expired, call)
			delete(ch.pending, txn)
		}
	}
	ch.mu.Unlock()

	for _, call := range expired {
		call.resolve(nil, ErrCallExpired)
	}
	if len(expired) > 0 {
		ch.logger.Warnw("expired pending calls", "count", len(expired))
	}
	return len(expired)
}

// Receive processes one inbound frame. Frames are handled in the order
// Receive is called; the transport calls it from a single goroutine.
func (ch *Channel) Receive(ctx context.Context, data []byte) {
	env, err := ch.codec.Decode(data)
	if err != nil {
		ch.logger.Debugw("dropping undecodable frame", "error", err)
		return
	}

	switch {
	case env.Type == TypeAck:
		ch.handleAck(env)
	case !env.Type.Known():
		ch.logger.Debugw("unknown frame type", "type", env.Type, "txn", env.Txn)
		ch.ack(env, fmt.Errorf("unknown message type %q", env.Type))
	case env.Type == TypeHello:
		ch.handleHello(ctx, env)
	default:
		ch.dispatch(ctx, env)
	}
}

func (ch *Channel) handleAck(env *Envelope) {
	var ack AckPayload
	if err := env.Decode(&ack); err != nil || ack.ForTxn == "" {
		ch.logger.Debugw("dropping malformed ack", "error", err)
		return
	}

	ch.mu.Lock()
	call, ok := ch.pending[ack.ForTxn]
	if ok {
		delete(ch.pending, ack.ForTxn)
	}
	ch.mu.Unlock()

	if !ok {
		return
	}
	ch.metrics.RecordAckLatency(ch.now().Sub(call.SentAt))
	call.resolve(&ack, nil)
}

func (ch *Channel) handleHello(ctx context.Context, env *Envelope) {
	var hello HelloPayload
	if err := env.Decode(&hello); err != nil {
		ch.ack(env, err)
		return
	}
	ch.ack(env, nil)
	ch.logger.Infow("peer hello", "peer_role", hello.Role, "version", hello.Version)

	ch.mu.Lock()
	hooks := append([]func(){}, ch.onHello...)
	manifest := ch.manifest
	ch.mu.Unlock()

	for _, fn := range hooks {
		ch.runHook(fn)
	}

	if manifest != nil {
		if _, err := ch.Go(TypeManifest, manifest); err != nil {
			ch.logger.Warnw("manifest replay failed", "error", err)
			return
		}
		ch.logger.Infow("manifest replayed", "entries", len(manifest.Entries))
	}
}

func (ch *Channel) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Errorw("hello hook panicked", "panic", r)
		}
	}()
	fn()
}

func (ch *Channel) dispatch(ctx context.Context, env *Envelope) {
	ctx, span := tracing.TraceControlCommand(ctx, string(env.Type), env.Txn)
	defer span.End()

	err := ch.dispatcher.Dispatch(ctx, env)
	if err != nil {
		tracing.RecordError(ctx, err)
		tracing.SetSpanStatus(ctx, codes.Error, err.Error())
		ch.logger.Warnw("command failed", "type", env.Type, "txn", env.Txn, "error", err)
	}
	if env.Type.IsCommand() {
		ch.metrics.RecordCommand(string(env.Type), err == nil)
	}
	ch.ack(env, err)
}

// ack answers env when it carries a txn.
func (ch *Channel) ack(env *Envelope, cause error) {
	if env.Txn == "" {
		return
	}
	payload := AckPayload{OK: cause == nil, ForTxn: env.Txn}
	if cause != nil {
		payload.Error = cause.Error()
		if appErr := apperrors.GetAppError(cause); appErr != nil {
			payload.Error = appErr.Message
		}
	}
	if err := ch.send(TypeAck, "", payload); err != nil {
		ch.logger.Warnw("failed to send ack", "for_txn", env.Txn, "error", err)
	}
}
