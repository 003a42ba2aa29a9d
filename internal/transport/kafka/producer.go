// Package kafka implements a Kafka producer transport on franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

// HeaderType is the record header carrying the message type.
const HeaderType = "type"

const flushTimeout = 5 * time.Second

// Client is the subset of *kgo.Client the producer needs.
type Client interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Config selects brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// Producer writes envelopes as records keyed by the account login.
type Producer struct {
	client Client
	topic  string
	logger *zap.Logger
	closed bool
}

// New wraps an existing client.
func New(client Client, topic string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{client: client, topic: topic, logger: logger}
}

// Dialer returns a transport.Dialer that opens a kgo client per connection.
func Dialer(cfg Config, logger *zap.Logger) transport.Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, errors.New("kafka brokers and topic are required")
		}
		cl, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.DefaultProduceTopic(cfg.Topic),
			kgo.ProducerBatchMaxBytes(16<<20),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka client init failed: %w", err)
		}
		if err := cl.Ping(ctx); err != nil {
			cl.Close()
			return nil, fmt.Errorf("kafka ping: %w", err)
		}
		return New(cl, cfg.Topic, logger), nil
	}
}

// Send produces one record and waits for its acknowledgement.
func (p *Producer) Send(ctx context.Context, env transport.Envelope) error {
	if p.closed {
		return transport.ErrClosed
	}
	rec := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(env.Key),
		Value:   env.Data,
		Headers: []kgo.RecordHeader{{Key: HeaderType, Value: []byte(env.Type)}},
	}
	done := make(chan error, 1)
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("produce %s: %w", env.Type, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("produce %s: %w", env.Type, ctx.Err())
	}
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		p.logger.Warn("kafka flush failed", zap.Error(err))
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
