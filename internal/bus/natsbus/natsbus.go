// Package natsbus is the reference bus.Bus implementation, backed by NATS
// JetStream. Consumer groups map onto JetStream durable pull consumers:
// subscribing with the same (subject, group) pair from multiple hosts
// yields a shared durable consumer, so each message is delivered to
// exactly one subscriber, matching spec.md §4.2's consumer-group contract.
package natsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/seantiz/sentinel/internal/bus"
)

// Bus wraps a JetStream-enabled NATS connection.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials urL and initializes the JetStream context.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	return &Bus{nc: nc, js: js}, nil
}

// streamNameFor derives a stable stream name from a subject, since
// JetStream streams are a coarser unit than individual subjects.
func streamNameFor(subject string) string {
	return "sentinel-" + sanitize(subject)
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

// Subscribe implements bus.Bus by ensuring a stream exists for subject and
// opening (or reusing) a durable pull consumer named after group.
func (b *Bus) Subscribe(ctx context.Context, subject, group string) (bus.Subscription, error) {
	streamName := streamNameFor(subject)
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s/%s: %w", streamName, group, err)
	}

	return &subscription{cons: cons}, nil
}

// Publish implements bus.Bus. traceID, when set, is carried in the NATS
// message header so consumers can correlate related publishes.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte, traceID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if traceID != "" {
		msg.Header.Set("Trace-Id", traceID)
	}
	_, err := b.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

type subscription struct {
	cons jetstream.Consumer
}

func (s *subscription) Fetch(ctx context.Context, wait time.Duration) (*bus.Message, error) {
	batch, err := s.cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	for m := range batch.Messages() {
		traceID := m.Headers().Get("Trace-Id")
		return bus.NewMessage(
			m.Subject()+"/"+fmt.Sprint(mustSeq(m)),
			m.Subject(),
			m.Data(),
			traceID,
			func(context.Context) error { return m.Ack() },
			func(context.Context) error { return m.Nak() },
		), nil
	}
	if err := batch.Error(); err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	return nil, bus.ErrNoMessage
}

func mustSeq(m jetstream.Msg) uint64 {
	meta, err := m.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (s *subscription) Close() error { return nil }
