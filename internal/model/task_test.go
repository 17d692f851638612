package model

import (
	"regexp"
	"testing"
)

var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestStateKey(t *testing.T) {
	got := StateKey("gbe", "build", "T1")
	want := "gbe:state:tasks:build:T1"
	if got != want {
		t.Errorf("StateKey() = %q, want %q", got, want)
	}
}

func TestValidTransition(t *testing.T) {
	valid := []struct{ from, to string }{
		{StatePending, StateClaimed},
		{StateClaimed, StateRunning},
		{StateClaimed, StatePending},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
	}
	for _, tc := range valid {
		if !ValidTransition(tc.from, tc.to) {
			t.Errorf("ValidTransition(%q, %q) = false, want true", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to string }{
		{StatePending, StateRunning},
		{StatePending, StateCompleted},
		{StateCompleted, StateRunning},
		{StateFailed, StatePending},
		{StateCancelled, StateRunning},
	}
	for _, tc := range invalid {
		if ValidTransition(tc.from, tc.to) {
			t.Errorf("ValidTransition(%q, %q) = true, want false", tc.from, tc.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []string{StateCompleted, StateFailed, StateCancelled} {
		if !Terminal(s) {
			t.Errorf("Terminal(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatePending, StateClaimed, StateRunning} {
		if Terminal(s) {
			t.Errorf("Terminal(%q) = true, want false", s)
		}
	}
}

func TestTaskStateFieldsRoundTrip(t *testing.T) {
	ts := TaskState{
		State:       StateRunning,
		TaskType:    "build",
		ParamsRef:   "s3://bucket/key",
		Worker:      "host-1:5",
		UpdatedAtMS: 1700000000123,
		TimeoutAtMS: 1700000030123,
		StartedAtMS: 1700000000123,
		CurrentStep: "compiling",
	}

	fields := ts.ToFields()
	if string(fields[FieldState]) != StateRunning {
		t.Errorf("fields[state] = %q, want %q", fields[FieldState], StateRunning)
	}

	back := TaskStateFromFields(fields)
	if back != ts {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, ts)
	}
}

func TestTaskStateToFieldsOmitsZeroTimestamps(t *testing.T) {
	ts := TaskState{State: StatePending}
	fields := ts.ToFields()
	if _, ok := fields[FieldUpdatedAt]; ok {
		t.Error("expected updated_at to be omitted for zero value")
	}
	if _, ok := fields[FieldCompletedAt]; ok {
		t.Error("expected completed_at to be omitted for zero value")
	}
}

func TestWorkerID(t *testing.T) {
	got := WorkerID("host-1", 7)
	want := "host-1:7"
	if got != want {
		t.Errorf("WorkerID() = %q, want %q", got, want)
	}
}
