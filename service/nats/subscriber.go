package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber streams request events matching a subject.
type Subscriber interface {
	// Subscribe delivers events published after the call until ctx ends,
	// then closes the returned channel.
	Subscribe(ctx context.Context, subject string) (<-chan *RequestEvent, error)

	Close() error
}

// JetStreamSubscriber reads request events through ephemeral JetStream consumers.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming request events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	nc, js, err := connect(natsURL, "txpipe-subscriber")
	if err != nil {
		return nil, err
	}
	logger.Info("NATS subscriber initialized", "nats_url", natsURL)
	return &JetStreamSubscriber{nc: nc, js: js, logger: logger}, nil
}

// Subscribe creates an ephemeral consumer for subject. Only messages published
// after the consumer exists are delivered.
func (s *JetStreamSubscriber) Subscribe(ctx context.Context, subject string) (<-chan *RequestEvent, error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan *RequestEvent, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()

		var event RequestEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal event",
				"subject", msg.Subject(),
				"error", err,
			)
			return
		}
		select {
		case out <- &event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(out)
	}()

	return out, nil
}

// Close closes the NATS connection.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}
