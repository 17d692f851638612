// Package toolbroker implements the Tool Broker: the guest capability
// gateway described in spec.md §4.9. It validates a guest's tool_call
// against the intersection of the VM profile's allowed tools and the
// task descriptor's own allowlist, enforces a per-task call budget with a
// sliding-window limiter, checks the call's params against a per-tool
// schema, and appends every decision to a per-VM audit log keyed on task
// id.
package toolbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/seantiz/sentinel/internal/metrics"
	"github.com/seantiz/sentinel/internal/model"
)

// Executor performs the external effect of an accepted tool call and
// returns the raw JSON result to hand back to the guest as tool_result.
type Executor func(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error)

// SchemaCheck validates a tool's params before execution. Registered per
// tool name; a tool with no registered check accepts any well-formed JSON.
type SchemaCheck func(params json.RawMessage) error

// AuditEntry is one row of a per-VM audit log.
type AuditEntry struct {
	TaskID    string
	CallID    string
	Tool      string
	Accepted  bool
	Reason    string
	TimestampMS int64
}

// Decision is the broker's verdict on one tool_call.
type Decision struct {
	Accepted bool
	Result   json.RawMessage
	Reason   string
}

// Broker enforces profile/task tool policy, rate budgets, and schema
// checks, and records every decision to an in-memory audit log. A Broker
// is shared across every Lifecycle Coordinator on the host; rate limiter
// categories are keyed per task id so one task's budget never starves
// another's.
type Broker struct {
	executor Executor
	schemas  map[string]SchemaCheck

	mu      sync.Mutex
	limiter map[int]*catrate.Limiter // keyed on calls-per-minute, shared across tasks at the same budget

	auditMu sync.Mutex
	audit   map[string][]AuditEntry // keyed on task id

	nowMS func() int64
}

// New creates a Broker. executor performs the accepted call's external
// effect; schemas may be nil, in which case every tool accepts any params.
func New(executor Executor, schemas map[string]SchemaCheck) *Broker {
	if schemas == nil {
		schemas = make(map[string]SchemaCheck)
	}
	return &Broker{
		executor: executor,
		schemas:  schemas,
		limiter:  make(map[int]*catrate.Limiter),
		audit:    make(map[string][]AuditEntry),
		nowMS:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Call validates and, if accepted, executes one guest tool_call. taskID
// and callID identify the originating task and the specific call for the
// audit log and rate-limiter category; allowedTools is the
// already-intersected profile∩descriptor allowlist resolved by the
// Lifecycle Coordinator.
func (b *Broker) Call(ctx context.Context, taskID, callID, tool string, params json.RawMessage, profile model.Profile, allowedTools []string) Decision {
	if !containsTool(allowedTools, tool) || !profile.AllowsTool(tool) {
		return b.deny(taskID, callID, tool, "tool not permitted for this task")
	}

	if profile.ToolPolicy != nil && profile.ToolPolicy.RateLimit.CallsPerMinute > 0 {
		if _, ok := b.limiterFor(profile.ToolPolicy.RateLimit.CallsPerMinute).Allow(taskID); !ok {
			return b.deny(taskID, callID, tool, "rate limit exceeded")
		}
	}

	if check, ok := b.schemas[tool]; ok {
		if err := check(params); err != nil {
			return b.deny(taskID, callID, tool, fmt.Sprintf("params schema: %v", err))
		}
	}

	result, err := b.executor(ctx, tool, params)
	if err != nil {
		return b.deny(taskID, callID, tool, fmt.Sprintf("execution failed: %v", err))
	}

	metrics.ToolCallOutcomes.WithLabelValues(tool, metrics.OutcomeExecuted).Inc()
	b.recordAudit(taskID, callID, tool, true, "executed")
	return Decision{Accepted: true, Result: result}
}

func (b *Broker) deny(taskID, callID, tool, reason string) Decision {
	metrics.ToolCallOutcomes.WithLabelValues(tool, metrics.OutcomeDenied).Inc()
	b.recordAudit(taskID, callID, tool, false, reason)
	return Decision{Accepted: false, Reason: reason}
}

// limiterFor returns the shared Limiter for a given per-minute budget,
// creating it on first use. Grouping by budget rather than by task avoids
// minting a distinct Limiter (and its background cleanup worker) per task;
// the limiter's own per-category buckets still isolate one task from
// another within that shared budget.
func (b *Broker) limiterFor(callsPerMinute int) *catrate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiter[callsPerMinute]
	if !ok {
		l = catrate.NewLimiter(map[time.Duration]int{time.Minute: callsPerMinute})
		b.limiter[callsPerMinute] = l
	}
	return l
}

func (b *Broker) recordAudit(taskID, callID, tool string, accepted bool, reason string) {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	b.audit[taskID] = append(b.audit[taskID], AuditEntry{
		TaskID:      taskID,
		CallID:      callID,
		Tool:        tool,
		Accepted:    accepted,
		Reason:      reason,
		TimestampMS: b.nowMS(),
	})
}

// Audit returns a copy of the recorded entries for taskID, in call order.
func (b *Broker) Audit(taskID string) []AuditEntry {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	entries := b.audit[taskID]
	out := make([]AuditEntry, len(entries))
	copy(out, entries)
	return out
}

// ForgetTask discards taskID's audit log. Called by the Lifecycle
// Coordinator during teardown, so long-lived Brokers don't accumulate
// entries for tasks that have already completed. Nothing reads the log
// before it is discarded.
func (b *Broker) ForgetTask(taskID string) {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	delete(b.audit, taskID)
}

func containsTool(tools []string, tool string) bool {
	for _, t := range tools {
		if t == tool {
			return true
		}
	}
	return false
}
