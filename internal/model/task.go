// Package model holds the data types shared across the supervisor: the
// bus-carried task descriptor, the flat state-store record and its field
// encoding, and the static VM profile configuration.
package model

import (
	"fmt"
	"strconv"
)

// Lifecycle states for a task state record. These are the only values ever
// written to the state-store "state" field, and the only field manipulated
// by compare-and-swap.
const (
	StatePending   = "pending"
	StateClaimed   = "claimed"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// validTransitions maps each state to the set of states it may advance to.
// Terminal states have no outgoing edges: they are never overwritten.
var validTransitions = map[string]map[string]bool{
	StatePending: {
		StateClaimed:   true,
		StateCancelled: true,
	},
	StateClaimed: {
		StateRunning:   true,
		StatePending:   true, // sweeper reclaim of a stale claim
		StateFailed:    true,
		StateCancelled: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning a task state record from one
// state to another is allowed by the lifecycle graph.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether state is one the Lifecycle Coordinator never
// overwrites once reached.
func Terminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// TaskDescriptor is the immutable payload carried on the bus and pointed to
// by a state-store key. It is never mutated once published.
type TaskDescriptor struct {
	ID            string   `json:"id"`
	TaskType      string   `json:"task_type"`
	Profile       string   `json:"profile"`
	PayloadRef    string   `json:"payload_ref"`
	ToolAllowlist []string `json:"tool_allowlist,omitempty"`
	DeadlineHintS int      `json:"deadline_hint_s,omitempty"`
	TraceID       string   `json:"trace_id,omitempty"`
}

// StateKey returns the state-store key for a task, following
// "{namespace}:state:tasks:{type}:{id}".
func StateKey(namespace, taskType, id string) string {
	return fmt.Sprintf("%s:state:tasks:%s:%s", namespace, taskType, id)
}

// TaskState mirrors the flat field map described in spec.md: a task's
// lifecycle record in the state store. Field names match the map keys
// exactly so ToFields/FromFields are lossless round trips.
type TaskState struct {
	State       string
	TaskType    string
	ParamsRef   string
	Worker      string
	UpdatedAtMS int64
	TimeoutAtMS int64
	StartedAtMS int64
	CompletedAtMS int64
	CurrentStep string
	Error       string
	ResultRef   string
}

// Field name constants for the state-store's flat field map, per spec.md §3.
const (
	FieldState       = "state"
	FieldTaskType    = "task_type"
	FieldParamsRef   = "params_ref"
	FieldWorker      = "worker"
	FieldUpdatedAt   = "updated_at"
	FieldTimeoutAt   = "timeout_at"
	FieldStartedAt   = "started_at"
	FieldCompletedAt = "completed_at"
	FieldCurrentStep = "current_step"
	FieldError       = "error"
	FieldResultRef   = "result_ref"
)

// ToFields encodes the TaskState as the flat byte-valued field map the
// state-store capability operates on. Zero-valued timestamp fields are
// omitted so partial updates (e.g. a progress message that only touches
// current_step and updated_at) can reuse the same encoding path.
func (t TaskState) ToFields() map[string][]byte {
	f := map[string][]byte{}
	if t.State != "" {
		f[FieldState] = []byte(t.State)
	}
	if t.TaskType != "" {
		f[FieldTaskType] = []byte(t.TaskType)
	}
	if t.ParamsRef != "" {
		f[FieldParamsRef] = []byte(t.ParamsRef)
	}
	if t.Worker != "" {
		f[FieldWorker] = []byte(t.Worker)
	}
	if t.UpdatedAtMS != 0 {
		f[FieldUpdatedAt] = itob(t.UpdatedAtMS)
	}
	if t.TimeoutAtMS != 0 {
		f[FieldTimeoutAt] = itob(t.TimeoutAtMS)
	}
	if t.StartedAtMS != 0 {
		f[FieldStartedAt] = itob(t.StartedAtMS)
	}
	if t.CompletedAtMS != 0 {
		f[FieldCompletedAt] = itob(t.CompletedAtMS)
	}
	if t.CurrentStep != "" {
		f[FieldCurrentStep] = []byte(t.CurrentStep)
	}
	if t.Error != "" {
		f[FieldError] = []byte(t.Error)
	}
	if t.ResultRef != "" {
		f[FieldResultRef] = []byte(t.ResultRef)
	}
	return f
}

// TaskStateFromFields decodes the flat field map back into a TaskState.
func TaskStateFromFields(f map[string][]byte) TaskState {
	return TaskState{
		State:         string(f[FieldState]),
		TaskType:      string(f[FieldTaskType]),
		ParamsRef:     string(f[FieldParamsRef]),
		Worker:        string(f[FieldWorker]),
		UpdatedAtMS:   btoi(f[FieldUpdatedAt]),
		TimeoutAtMS:   btoi(f[FieldTimeoutAt]),
		StartedAtMS:   btoi(f[FieldStartedAt]),
		CompletedAtMS: btoi(f[FieldCompletedAt]),
		CurrentStep:   string(f[FieldCurrentStep]),
		Error:         string(f[FieldError]),
		ResultRef:     string(f[FieldResultRef]),
	}
}

func itob(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }

func btoi(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// WorkerID formats the "{host_id}:{cid}" worker value the Lifecycle
// Coordinator writes when the task enters running. The Claimant's claim
// write does not use it: the worker field then holds the bare host ID, as
// no CID is allocated at claim time.
func WorkerID(hostID string, cid uint32) string {
	return fmt.Sprintf("%s:%d", hostID, cid)
}
