// Package bus defines the publish/subscribe transport capability the
// supervisor is pull-driven against. The bus itself — durability, delivery
// guarantees, consumer-group fan-out — is an external collaborator;
// internal/bus/natsbus provides a concrete reference implementation and
// internal/bus/busmock provides a call-recording fake for tests.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by a non-blocking Fetch when nothing is available.
var ErrNoMessage = errors.New("bus: no message available")

// Message is a single delivered bus message. TraceID, when present, is
// copied onto every outbound publish caused by handling this message.
type Message struct {
	ID      string
	Subject string
	Data    []byte
	TraceID string

	// ackFn/nakFn are bound to the originating subscription so Ack/Nak can
	// be called directly on the message without threading the Subscription
	// back through every call site.
	ackFn func(context.Context) error
	nakFn func(context.Context) error
}

// Ack acknowledges successful handling of the message.
func (m *Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Nak signals failed or declined handling; the message becomes available
// for redelivery (to this host or another) per the bus's retry policy.
func (m *Message) Nak(ctx context.Context) error {
	if m.nakFn == nil {
		return nil
	}
	return m.nakFn(ctx)
}

// NewMessage constructs a Message bound to the given ack/nak callbacks.
// Concrete Bus implementations use this to hand out messages without
// exposing their internal delivery handles.
func NewMessage(id, subject string, data []byte, traceID string, ackFn, nakFn func(context.Context) error) *Message {
	return &Message{ID: id, Subject: subject, Data: data, TraceID: traceID, ackFn: ackFn, nakFn: nakFn}
}

// Subscription is a pull-based consumer-group subscription to a subject.
type Subscription interface {
	// Fetch blocks until a message is available, ctx is cancelled, or the
	// subscription is closed. wait bounds how long a single Fetch call may
	// block when no message is currently available.
	Fetch(ctx context.Context, wait time.Duration) (*Message, error)

	// Close releases the subscription. Safe to call more than once.
	Close() error
}

// Bus is the pub/sub capability the Queue Consumer and every publisher
// (Claimant, Lifecycle Coordinator, Beacon) depend on. Implementations must
// be safe for concurrent use by many independent owners — do not serialize
// access behind a single mutex, since that caps throughput at one in-flight
// task.
type Bus interface {
	// Subscribe opens a pull-based consumer-group subscription to subject
	// under group. Multiple hosts subscribing with the same group share
	// delivery: each message goes to exactly one subscriber.
	Subscribe(ctx context.Context, subject, group string) (Subscription, error)

	// Publish sends data to subject. traceID, when non-empty, is carried so
	// downstream consumers and tooling can correlate related messages.
	Publish(ctx context.Context, subject string, data []byte, traceID string) error

	// Close releases all resources held by the bus connection.
	Close() error
}
