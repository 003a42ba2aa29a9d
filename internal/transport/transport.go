// Package transport defines the outbound sink the agent forwards messages to.
// Implementations live in subpackages: a WebSocket proxy connection and
// broker producers for Pub/Sub, Kafka and NATS.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport closed")

// Envelope is one encoded outbound message.
type Envelope struct {
	// Type is the message type, used by brokers for routing.
	Type string
	// Key groups related messages, typically the account login.
	Key string
	// Data is the JSON-encoded message.
	Data []byte
}

// Transport delivers envelopes to the backend. Send is only called from the
// connection's executor, so implementations need not support concurrent Send.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Receiver is implemented by transports that also carry inbound control
// messages from the backend.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Dialer opens a Transport.
type Dialer func(ctx context.Context) (Transport, error)
