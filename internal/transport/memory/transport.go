// Package memory provides an in-memory transport that records what it sends.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

// Transport stores sent envelopes for inspection and serves inbound messages
// pushed with Inject.
type Transport struct {
	mu       sync.RWMutex
	sent     []transport.Envelope
	attempts int
	failOn   map[int]error
	closed   bool

	inbound chan []byte
	done    chan struct{}
}

// New returns an open Transport.
func New() *Transport {
	return &Transport{
		failOn:  make(map[int]error),
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// FailAttempt makes the n-th Send call (1-based) fail with err.
func (t *Transport) FailAttempt(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOn[n] = err
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send canceled: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.attempts++
	if err, ok := t.failOn[t.attempts]; ok {
		return err
	}
	data := make([]byte, len(env.Data))
	copy(data, env.Data)
	env.Data = data
	t.sent = append(t.sent, env)
	return nil
}

// Inject queues an inbound message for Receive.
func (t *Transport) Inject(raw []byte) {
	select {
	case t.inbound <- raw:
	case <-t.done:
	}
}

// Receive implements transport.Receiver.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-t.done:
		return nil, transport.ErrClosed
	case raw := <-t.inbound:
		return raw, nil
	}
}

// Close implements transport.Transport. Closing twice is safe.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

// Sent returns the envelopes delivered so far.
func (t *Transport) Sent() []transport.Envelope {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]transport.Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentTypes returns the Type of every delivered envelope in order.
func (t *Transport) SentTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.sent))
	for i, env := range t.sent {
		out[i] = env.Type
	}
	return out
}

// Attempts returns how many times Send was called on an open transport.
func (t *Transport) Attempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempts
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Dialer returns a transport.Dialer that always hands out t, or err when set.
func Dialer(t *Transport, err error) transport.Dialer {
	return func(context.Context) (transport.Transport, error) {
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, errors.New("no transport")
		}
		return t, nil
	}
}
