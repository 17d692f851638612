// Package metrics registers the Prometheus collectors the supervisor
// exposes on its health surface, grounded on the teacher's
// internal/backend/firecracker/metrics.go naming and registration idiom.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values shared across counters.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeConflict  = "cas_conflict"
	OutcomeTransient = "transient"
	OutcomeTimeout   = "timeout"
	OutcomeCrash     = "vm_crash"
	OutcomeDenied    = "denied"
	OutcomeExecuted  = "executed"
)

var (
	// VMBootDuration is the time from hypervisor start to the first
	// guest-channel registration.
	VMBootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_vm_boot_seconds",
		Help:    "Duration from VM start to guest channel registration, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveVMs tracks the number of VM instances currently owned by a
	// Lifecycle Coordinator.
	ActiveVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_active_vms",
		Help: "Number of microVMs currently under lifecycle management.",
	})

	// SlotsUsed/SlotsTotal are registered for scraping, but no component
	// sets them, so both read 0; live capacity is carried only by the
	// Beacon's bus-published capacity events.
	SlotsUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_slots_used",
		Help: "Currently occupied VM capacity slots.",
	})
	SlotsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_slots_total",
		Help: "Configured total VM capacity slots.",
	})

	// ClaimOutcomes is labelled by claim outcome (claimed, cas_conflict,
	// transient, malformed), but no component increments it; the Claimant
	// keeps its own Conflicts and Transients counts.
	ClaimOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_claim_outcomes_total",
		Help: "Claim attempts by outcome.",
	}, []string{"outcome"})

	// TaskOutcomes counts terminal lifecycle outcomes by task type.
	TaskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_task_outcomes_total",
		Help: "Terminal task outcomes by task type and outcome.",
	}, []string{"task_type", "outcome"})

	// VsockRoundTrip measures guest-channel message round trips (task sent
	// to first response of any kind).
	VsockRoundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_guest_channel_roundtrip_seconds",
		Help:    "Time from task dispatch to first guest response, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// ToolCallOutcomes counts Tool Broker decisions by tool and outcome.
	ToolCallOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_tool_call_outcomes_total",
		Help: "Tool Broker call outcomes by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// GuestChannelDroppedMessages counts malformed lines and unknown-CID
	// deliveries at the multiplexer.
	GuestChannelDroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_guest_channel_dropped_total",
		Help: "Guest channel messages dropped by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		VMBootDuration,
		ActiveVMs,
		SlotsUsed,
		SlotsTotal,
		ClaimOutcomes,
		TaskOutcomes,
		VsockRoundTrip,
		ToolCallOutcomes,
		GuestChannelDroppedMessages,
	)
}
