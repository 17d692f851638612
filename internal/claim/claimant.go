// Package claim implements the State-Store Claimant: the single-winner
// compare-and-swap gate between a pending task and the Lifecycle
// Coordinator that will own it.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/seantiz/sentinel/internal/bus"
	"github.com/seantiz/sentinel/internal/model"
	"github.com/seantiz/sentinel/internal/slot"
	"github.com/seantiz/sentinel/internal/statestore"
)

// Outcome is returned by Attempt for the caller's bookkeeping and metrics.
type Outcome int

const (
	// OutcomeClaimed means this host now owns the task; Handoff carries
	// everything a Lifecycle Coordinator needs.
	OutcomeClaimed Outcome = iota
	// OutcomeConflict means another host (or a prior attempt on this host)
	// already advanced the record past pending.
	OutcomeConflict
	// OutcomeTransient means the state store returned a retryable error;
	// the message was nak'd and will be redelivered by the bus.
	OutcomeTransient
	// OutcomeMalformed means the message body could not be parsed into a
	// task descriptor; the message is nak'd since redelivery cannot help,
	// but is not treated as a CAS conflict.
	OutcomeMalformed
)

// Handoff is everything the Claimant hands to a new Lifecycle Coordinator
// on a successful claim. The slot token travels with it; the Coordinator
// becomes responsible for releasing it no later than teardown.
type Handoff struct {
	StateKey   string
	Descriptor model.TaskDescriptor
	Token      *slot.Token
	TimeoutAt  int64
}

// Claimant performs the CAS claim for one namespace against a shared state
// store, releasing the caller's slot token on every non-claimed outcome.
type Claimant struct {
	namespace string
	store     statestore.Store
	slots     *slot.Tracker
	logger    *slog.Logger

	conflicts  atomic.Int64
	transients atomic.Int64
}

// New creates a Claimant bound to namespace, store, and the shared slot
// tracker whose tokens it releases on every non-claimed outcome.
func New(namespace string, store statestore.Store, slots *slot.Tracker, logger *slog.Logger) *Claimant {
	return &Claimant{namespace: namespace, store: store, slots: slots, logger: logger}
}

// Conflicts returns the cumulative cas_conflict count, for health/metrics.
func (c *Claimant) Conflicts() int64 { return c.conflicts.Load() }

// Transients returns the cumulative state-store transient-error count.
func (c *Claimant) Transients() int64 { return c.transients.Load() }

// Attempt extracts the task descriptor from msg, performs the CAS claim,
// and either hands off ownership of token to a Lifecycle Coordinator or
// releases it back to the tracker and nak's the message.
//
// nowMS and timeoutSec determine the timeout_at written on a successful
// claim; the caller supplies now so tests can control it deterministically.
func (c *Claimant) Attempt(ctx context.Context, msg *bus.Message, token *slot.Token, workerID string, nowMS int64, timeoutSec int) (Outcome, *Handoff) {
	var desc model.TaskDescriptor
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		c.logger.Error("malformed task descriptor", "error", err, "subject", msg.Subject)
		c.slots.Release(token)
		_ = msg.Nak(ctx)
		return OutcomeMalformed, nil
	}

	key := model.StateKey(c.namespace, desc.TaskType, desc.ID)
	timeoutAt := nowMS + int64(timeoutSec)*1000

	err := c.store.CompareAndSwap(ctx, key, model.FieldState, []byte(model.StatePending), []byte(model.StateClaimed))
	if err != nil {
		if errors.Is(err, statestore.ErrCASConflict) {
			c.conflicts.Add(1)
			c.logger.Info("cas_conflict", "key", key, "task_id", desc.ID)
			c.slots.Release(token)
			_ = msg.Nak(ctx)
			return OutcomeConflict, nil
		}

		c.transients.Add(1)
		c.logger.Warn("state store transient error on claim", "key", key, "error", err)
		c.slots.Release(token)
		_ = msg.Nak(ctx)
		return OutcomeTransient, nil
	}

	fields := map[string][]byte{
		model.FieldWorker:    []byte(workerID),
		model.FieldUpdatedAt: itob(nowMS),
		model.FieldTimeoutAt: itob(timeoutAt),
	}
	if err := c.store.SetFields(ctx, key, fields); err != nil {
		// The CAS already committed state=claimed; a failure writing the
		// companion fields leaves an otherwise-claimed record. Nak so the
		// bus retains at-least-once semantics; the sweeper reclaims this
		// record if the companion write never lands on retry.
		c.transients.Add(1)
		c.logger.Error("failed writing claim fields after successful CAS", "key", key, "error", err)
		c.slots.Release(token)
		_ = msg.Nak(ctx)
		return OutcomeTransient, nil
	}

	if err := msg.Ack(ctx); err != nil {
		// The durable write already happened; an ack failure here only
		// risks a redundant redelivery, which the next claimant will see
		// as a conflict. Log and proceed — the task is correctly owned.
		c.logger.Error("ack failed after durable claim write", "key", key, "error", err)
	}

	return OutcomeClaimed, &Handoff{
		StateKey:   key,
		Descriptor: desc,
		Token:      token,
		TimeoutAt:  timeoutAt,
	}
}

func itob(v int64) []byte { return []byte(fmt.Sprintf("%d", v)) }
