package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoHandler is returned for frames nobody registered for.
var ErrNoHandler = errors.New("no handler registered")

// Handler processes one inbound frame. A returned error becomes a negative
// ack when the frame carries a txn. Handlers run on the channel's receive
// path and must not block on Call; use Go or Notify instead.
type Handler func(ctx context.Context, env *Envelope) error

// Dispatcher routes frames to handlers and contains their failures.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MessageType]Handler)}
}

// Register installs h for t, replacing any previous handler.
func (d *Dispatcher) Register(t MessageType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = h
	d.mu.Unlock()
}

func (d *Dispatcher) Has(t MessageType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[t]
	return ok
}

// Dispatch runs the handler for env. Panics are recovered and returned as
// errors so a faulty handler never takes the channel down.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) (err error) {
	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoHandler, env.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler failed: %v", env.Type, r)
		}
	}()
	return h(ctx, env)
}
