// Package nats implements a NATS producer transport.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Config selects the server and the subject prefix. Messages go to
// "<prefix>.<type>".
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Publisher publishes envelopes and flushes after each one so a send error
// surfaces on the batch that caused it.
type Publisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
	closed bool
}

// New wraps an existing connection.
func New(conn Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "mt5"
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Dialer returns a transport.Dialer that connects per agent run.
func Dialer(cfg Config, logger *zap.Logger) transport.Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(context.Context) (transport.Transport, error) {
		if cfg.URL == "" {
			return nil, errors.New("nats url is required")
		}
		opts := []nats.Option{
			nats.MaxReconnects(cfg.MaxReconnect),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("NATS disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(*nats.Conn) {
				logger.Info("NATS reconnected")
			}),
			nats.ClosedHandler(func(*nats.Conn) {
				logger.Info("NATS connection closed")
			}),
		}
		if cfg.ReconnectWait > 0 {
			opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
		}
		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return New(nc, cfg.SubjectPrefix, logger), nil
	}
}

// Subject returns the subject a message type is published on.
func (p *Publisher) Subject(msgType string) string {
	return p.prefix + "." + msgType
}

// Send publishes env and flushes.
func (p *Publisher) Send(ctx context.Context, env transport.Envelope) error {
	if p.closed {
		return transport.ErrClosed
	}
	msg := nats.NewMsg(p.Subject(env.Type))
	msg.Data = env.Data
	if env.Key != "" {
		msg.Header.Set("login", env.Key)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", env.Type, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
