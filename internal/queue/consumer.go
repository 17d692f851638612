// Package queue implements the Queue Consumer: one subscription per
// configured task type, gated entirely by the Slot Tracker so that
// backpressure is enforced before a message is even fetched.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/sentinel/internal/bus"
	"github.com/seantiz/sentinel/internal/slot"
)

// defaultFetchWait bounds how long a single Fetch call blocks when no
// message is currently queued, so the consumer loop can observe context
// cancellation promptly even on a quiet subject.
const defaultFetchWait = 5 * time.Second

// Handler is invoked with a fetched message and the slot token acquired for
// it. The handler (the Claimant, in production) owns the token from this
// point: it must release it on every outcome other than a successful
// handoff to a Lifecycle Coordinator.
type Handler func(ctx context.Context, msg *bus.Message, token *slot.Token)

// Consumer subscribes to one task type's queue subject and feeds Handler,
// acquiring a slot token before every fetch.
type Consumer struct {
	namespace string
	taskType  string
	subject   string
	group     string

	b       bus.Bus
	slots   *slot.Tracker
	handler Handler
	logger  *slog.Logger

	fetchWait time.Duration
}

// New creates a Consumer for taskType under namespace, subscribing to
// "{namespace}.tasks.{type}.queue" under consumer group "{type}-workers".
func New(namespace, taskType string, b bus.Bus, slots *slot.Tracker, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		namespace: namespace,
		taskType:  taskType,
		subject:   namespace + ".tasks." + taskType + ".queue",
		group:     taskType + "-workers",
		b:         b,
		slots:     slots,
		handler:   handler,
		logger:    logger,
		fetchWait: defaultFetchWait,
	}
}

// Run subscribes and loops until ctx is cancelled. Each iteration acquires
// a slot token first (blocking), then fetches a candidate message; if
// acquisition is cancelled before a message arrives, Run returns without
// ever having fetched, so no message is left unacknowledged. If a message
// is fetched but handling never starts (fetch error path), the token is
// released immediately.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.b.Subscribe(ctx, c.subject, c.group)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		token, err := c.slots.Acquire(ctx)
		if err != nil {
			c.logger.Info("queue consumer stopping: slot acquisition cancelled", "task_type", c.taskType)
			return nil
		}

		msg, err := sub.Fetch(ctx, c.fetchWait)
		if err != nil {
			if ctx.Err() != nil {
				c.slots.Release(token)
				return nil
			}
			if err == bus.ErrNoMessage {
				// Nothing arrived within the wait window; give the slot
				// back and poll again rather than holding capacity idle.
				c.slots.Release(token)
				continue
			}
			c.slots.Release(token)
			c.logger.Warn("fetch error", "task_type", c.taskType, "error", err)
			continue
		}

		c.handler(ctx, msg, token)
	}
}
