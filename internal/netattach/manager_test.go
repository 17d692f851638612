package netattach

import (
	"context"
	"testing"

	"github.com/seantiz/sentinel/internal/model"
)

func TestManagerAttachNoneModeRequiresNoManagers(t *testing.T) {
	m := New(nil, nil)
	handle, err := m.Attach(context.Background(), "T1", model.NetworkNone)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if handle.Mode != model.NetworkNone {
		t.Errorf("mode = %q, want none", handle.Mode)
	}
}

func TestManagerAttachNATWithoutManagerErrors(t *testing.T) {
	m := New(nil, nil)
	if _, err := m.Attach(context.Background(), "T1", model.NetworkNAT); err == nil {
		t.Fatal("expected error when NAT mode requested without a NATManager")
	}
}

func TestManagerAttachProxyWithoutManagerErrors(t *testing.T) {
	m := New(nil, nil)
	if _, err := m.Attach(context.Background(), "T1", model.NetworkProxy); err == nil {
		t.Fatal("expected error when proxy mode requested without a ProxyManager")
	}
}

func TestManagerAttachUnknownModeErrors(t *testing.T) {
	m := New(nil, nil)
	if _, err := m.Attach(context.Background(), "T1", "bogus"); err == nil {
		t.Fatal("expected error for unknown network mode")
	}
}

func TestManagerDetachNoneModeIsNoop(t *testing.T) {
	m := New(nil, nil)
	if err := m.Detach(context.Background(), "T1", model.NetworkNone); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}
