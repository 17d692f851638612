package toolbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/seantiz/sentinel/internal/model"
)

func echoExecutor(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func failingExecutor(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("boom")
}

func testProfile(allowed []string, callsPerMinute int) model.Profile {
	return model.Profile{
		ToolPolicy: &model.ToolPolicy{
			AllowedTools: allowed,
			RateLimit:    model.RateLimit{CallsPerMinute: callsPerMinute},
		},
	}
}

func TestCallDeniedWhenToolNotInDescriptorAllowlist(t *testing.T) {
	b := New(echoExecutor, nil)
	profile := testProfile([]string{"http_get"}, 0)

	d := b.Call(context.Background(), "t1", "c1", "http_get", nil, profile, []string{"read_file"})
	if d.Accepted {
		t.Fatal("expected denial: tool not in descriptor-intersected allowlist")
	}
}

func TestCallDeniedWhenToolNotInProfile(t *testing.T) {
	b := New(echoExecutor, nil)
	profile := testProfile([]string{"read_file"}, 0)

	d := b.Call(context.Background(), "t1", "c1", "http_get", nil, profile, []string{"http_get"})
	if d.Accepted {
		t.Fatal("expected denial: tool not in profile allowlist")
	}
}

func TestCallAcceptedExecutesAndAudits(t *testing.T) {
	b := New(echoExecutor, nil)
	profile := testProfile([]string{"http_get"}, 0)

	d := b.Call(context.Background(), "t1", "c1", "http_get", nil, profile, []string{"http_get"})
	if !d.Accepted {
		t.Fatalf("expected acceptance, got reason %q", d.Reason)
	}
	if string(d.Result) != `{"ok":true}` {
		t.Errorf("result = %s", d.Result)
	}

	entries := b.Audit("t1")
	if len(entries) != 1 || !entries[0].Accepted || entries[0].Tool != "http_get" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestCallDeniedOnExecutorError(t *testing.T) {
	b := New(failingExecutor, nil)
	profile := testProfile([]string{"http_get"}, 0)

	d := b.Call(context.Background(), "t1", "c1", "http_get", nil, profile, []string{"http_get"})
	if d.Accepted {
		t.Fatal("expected denial on executor error")
	}
}

func TestCallDeniedOnSchemaFailure(t *testing.T) {
	schemas := map[string]SchemaCheck{
		"http_get": func(params json.RawMessage) error {
			return fmt.Errorf("missing url")
		},
	}
	b := New(echoExecutor, schemas)
	profile := testProfile([]string{"http_get"}, 0)

	d := b.Call(context.Background(), "t1", "c1", "http_get", json.RawMessage(`{}`), profile, []string{"http_get"})
	if d.Accepted {
		t.Fatal("expected denial on schema check failure")
	}
}

func TestCallEnforcesRateLimit(t *testing.T) {
	b := New(echoExecutor, nil)
	profile := testProfile([]string{"http_get"}, 1)

	first := b.Call(context.Background(), "t1", "c1", "http_get", nil, profile, []string{"http_get"})
	if !first.Accepted {
		t.Fatalf("expected first call accepted, reason %q", first.Reason)
	}
	second := b.Call(context.Background(), "t1", "c2", "http_get", nil, profile, []string{"http_get"})
	if second.Accepted {
		t.Fatal("expected second call within the same minute to be rate limited")
	}
}

func TestRateLimitIsolatedPerTask(t *testing.T) {
	b := New(echoExecutor, nil)
	profile := testProfile([]string{"http_get"}, 1)

	a := b.Call(context.Background(), "task-a", "c1", "http_get", nil, profile, []string{"http_get"})
	other := b.Call(context.Background(), "task-b", "c1", "http_get", nil, profile, []string{"http_get"})
	if !a.Accepted || !other.Accepted {
		t.Fatalf("expected both tasks' first calls accepted: a=%+v other=%+v", a, other)
	}
}

func TestForgetTaskClearsAudit(t *testing.T) {
	b := New(echoExecutor, nil)
	profile := testProfile([]string{"http_get"}, 0)
	b.Call(context.Background(), "t1", "c1", "http_get", nil, profile, []string{"http_get"})

	b.ForgetTask("t1")

	if entries := b.Audit("t1"); len(entries) != 0 {
		t.Errorf("expected audit cleared, got %+v", entries)
	}
}
