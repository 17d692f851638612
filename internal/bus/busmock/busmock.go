// Package busmock provides an in-memory, call-recording bus.Bus for tests,
// per the design note that the supervisor must compile and test against a
// mock transport implementation.
package busmock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/sentinel/internal/bus"
)

// Call records one method invocation for assertions in tests.
type Call struct {
	Method  string
	Subject string
	Group   string
}

// Bus is an in-memory bus.Bus. Each subject has an unbounded FIFO queue per
// consumer group; Publish fans the message out to every group that has ever
// subscribed to the subject, matching at-least-once delivery semantics
// loosely enough for unit tests without modeling real broker persistence.
type Bus struct {
	mu      sync.Mutex
	queues  map[string]map[string][]*bus.Message // subject -> group -> queue
	groups  map[string][]string                  // subject -> groups seen
	calls   []Call
	closed  bool
	waiters map[string]chan struct{} // subject|group -> signal
}

// New creates an empty mock bus.
func New() *Bus {
	return &Bus{
		queues:  make(map[string]map[string][]*bus.Message),
		groups:  make(map[string][]string),
		waiters: make(map[string]chan struct{}),
	}
}

// Calls returns a copy of every recorded call, in order.
func (b *Bus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// PublishRaw injects a message directly into subject's queues without going
// through Publish, for tests that need to seed state without exercising the
// publish path (e.g. simulating an upstream producer).
func (b *Bus) PublishRaw(subject string, data []byte, traceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(subject, data, traceID)
}

func (b *Bus) deliverLocked(subject string, data []byte, traceID string) {
	groups := b.groups[subject]
	if len(groups) == 0 {
		groups = []string{""}
	}
	if b.queues[subject] == nil {
		b.queues[subject] = make(map[string][]*bus.Message)
	}
	for _, g := range groups {
		id := fmt.Sprintf("%s-%d", subject, len(b.queues[subject][g]))
		var msg *bus.Message
		msg = bus.NewMessage(id, subject, append([]byte(nil), data...), traceID,
			func(context.Context) error { return nil },
			func(context.Context) error {
				b.mu.Lock()
				defer b.mu.Unlock()
				b.queues[subject][g] = append(b.queues[subject][g], msg)
				return nil
			},
		)
		b.queues[subject][g] = append(b.queues[subject][g], msg)
		b.signal(subject, g)
	}
}

func (b *Bus) key(subject, group string) string { return subject + "|" + group }

func (b *Bus) signal(subject, group string) {
	k := b.key(subject, group)
	if ch, ok := b.waiters[k]; ok {
		close(ch)
		delete(b.waiters, k)
	}
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(_ context.Context, subject, group string) (bus.Subscription, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Method: "Subscribe", Subject: subject, Group: group})
	found := false
	for _, g := range b.groups[subject] {
		if g == group {
			found = true
			break
		}
	}
	if !found {
		b.groups[subject] = append(b.groups[subject], group)
		if b.queues[subject] == nil {
			b.queues[subject] = make(map[string][]*bus.Message)
		}
	}
	b.mu.Unlock()

	return &subscription{bus: b, subject: subject, group: group}, nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(_ context.Context, subject string, data []byte, traceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Method: "Publish", Subject: subject})
	if b.closed {
		return fmt.Errorf("busmock: publish on closed bus")
	}
	b.deliverLocked(subject, data, traceID)
	return nil
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Published returns every message ever published or injected on subject,
// across all groups, for assertions.
func (b *Bus) Published(subject string) []*bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*bus.Message
	for _, msgs := range b.queues[subject] {
		out = append(out, msgs...)
	}
	return out
}

type subscription struct {
	bus     *Bus
	subject string
	group   string
	pos     int
	closed  bool
}

func (s *subscription) Fetch(ctx context.Context, wait time.Duration) (*bus.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		s.bus.mu.Lock()
		if s.closed {
			s.bus.mu.Unlock()
			return nil, fmt.Errorf("busmock: subscription closed")
		}
		q := s.bus.queues[s.subject][s.group]
		if s.pos < len(q) {
			msg := q[s.pos]
			s.pos++
			s.bus.mu.Unlock()
			return msg, nil
		}
		ch := make(chan struct{})
		s.bus.waiters[s.bus.key(s.subject, s.group)] = ch
		s.bus.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, bus.ErrNoMessage
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, bus.ErrNoMessage
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closed = true
	return nil
}
