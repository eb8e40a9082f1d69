package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes run events to a NATS server so external consumers
// (dashboards, reporting pipelines) can follow run progress.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to NATS and returns a MessageBus backed by it.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	return &NATSBus{conn: conn}, nil
}

// Publish sends a message to NATS.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject pattern.
func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(&Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	return &natsSubscription{sub: sub}, nil
}

// Close drains the connection and shuts down.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Subject() string {
	return s.sub.Subject
}
