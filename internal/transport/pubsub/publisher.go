// Package pubsub implements a Google Cloud Pub/Sub producer transport.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

// Attribute keys set on every published message.
const (
	AttrType = "type"
	AttrKey  = "login"
)

// Config selects the project and topic.
type Config struct {
	ProjectID string
	TopicName string
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
	client    *pubsub.Client
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a Publisher over an existing topic publisher. The caller keeps
// ownership of the client.
func New(publisher *pubsub.Publisher, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{publisher: publisher, logger: logger}
}

// Dialer returns a transport.Dialer that opens a client per connection and
// closes it with the transport.
func Dialer(cfg Config, logger *zap.Logger) transport.Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		if cfg.ProjectID == "" || cfg.TopicName == "" {
			return nil, errors.New("pubsub project_id and topic_name are required")
		}
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		p := New(client.Publisher(cfg.TopicName), logger)
		p.client = client
		p.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.TopicName),
		)
		return p, nil
	}
}

// Send publishes env and waits for the server acknowledgement.
func (p *Publisher) Send(ctx context.Context, env transport.Envelope) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	msg := &pubsub.Message{Data: env.Data}
	msg.Attributes = map[string]string{AttrType: env.Type}
	if env.Key != "" {
		msg.Attributes[AttrKey] = env.Key
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	p.logger.Debug("published message", zap.String("type", env.Type), zap.String("id", id))
	return nil
}

// Close flushes pending publishes and releases the client when this Publisher
// owns it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
