// Package beacon implements the Beacon: the periodic health and capacity
// publisher described in spec.md §4.10. It publishes a health event on a
// fixed cadence and a capacity event on every Slot Tracker change,
// debounced so a burst of claim/release activity never exceeds one
// capacity publish per 100ms.
package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/sentinel/internal/bus"
	"github.com/seantiz/sentinel/internal/slot"
)

// capacityDebounce bounds how often a Slot Tracker change can trigger a
// fresh capacity publish, per spec.md §4.10.
const capacityDebounce = 100 * time.Millisecond

// health is the payload shape for the {namespace}.events.sentinel.{host_id}.health subject.
type health struct {
	TimestampMS int64 `json:"ts"`
	UptimeS     int64 `json:"uptime"`
	Used        int   `json:"used"`
	Total       int   `json:"total"`
}

// capacity is the payload shape for the {namespace}.events.sentinel.{host_id}.capacity subject.
type capacity struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// Beacon owns the two periodic/event-driven publish loops for one host.
type Beacon struct {
	namespace string
	hostID    string
	b         bus.Bus
	slots     *slot.Tracker
	interval  time.Duration
	logger    *slog.Logger
	startedAt time.Time
	nowMS     func() int64
}

// New creates a Beacon. interval is the configured heartbeat_interval
// from spec.md §6; it governs both the health cadence and the capacity
// timer's own periodic flush, independent of the debounced change-driven
// publish.
func New(namespace, hostID string, b bus.Bus, slots *slot.Tracker, interval time.Duration, logger *slog.Logger) *Beacon {
	return &Beacon{
		namespace: namespace,
		hostID:    hostID,
		b:         b,
		slots:     slots,
		interval:  interval,
		logger:    logger,
		startedAt: time.Now(),
		nowMS:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Run drives both publish loops until ctx is cancelled, at which point it
// flushes one final capacity event before returning, per spec.md §5's
// cancellation contract.
func (beac *Beacon) Run(ctx context.Context) {
	ticker := time.NewTicker(beac.interval)
	defer ticker.Stop()

	changes := beac.slots.SubscribeChanges()
	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ticker.C:
			beac.publishHealth(ctx)
			beac.publishCapacity(ctx)

		case <-changes:
			changes = beac.slots.SubscribeChanges()
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(capacityDebounce)
				debounceCh = debounceTimer.C
			}

		case <-debounceCh:
			beac.publishCapacity(ctx)
			debounceTimer = nil
			debounceCh = nil

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			beac.publishCapacity(context.Background())
			return
		}
	}
}

func (beac *Beacon) publishHealth(ctx context.Context) {
	data, err := json.Marshal(health{
		TimestampMS: beac.nowMS(),
		UptimeS:     int64(time.Since(beac.startedAt).Seconds()),
		Used:        beac.slots.Used(),
		Total:       beac.slots.Total(),
	})
	if err != nil {
		beac.logger.Error("beacon: marshal health", "error", err)
		return
	}
	subject := fmt.Sprintf("%s.events.sentinel.%s.health", beac.namespace, beac.hostID)
	if err := beac.b.Publish(ctx, subject, data, ""); err != nil {
		beac.logger.Warn("beacon: health publish failed", "error", err)
	}
}

func (beac *Beacon) publishCapacity(ctx context.Context) {
	data, err := json.Marshal(capacity{
		Used:  beac.slots.Used(),
		Total: beac.slots.Total(),
	})
	if err != nil {
		beac.logger.Error("beacon: marshal capacity", "error", err)
		return
	}
	subject := fmt.Sprintf("%s.events.sentinel.%s.capacity", beac.namespace, beac.hostID)
	if err := beac.b.Publish(ctx, subject, data, ""); err != nil {
		beac.logger.Warn("beacon: capacity publish failed", "error", err)
	}
}
