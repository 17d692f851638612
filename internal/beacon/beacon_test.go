package beacon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/sentinel/internal/bus/busmock"
	"github.com/seantiz/sentinel/internal/slot"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForPublish(t *testing.T, b *busmock.Bus, subject string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Published(subject)) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d publishes on %s, got %d", want, subject, len(b.Published(subject)))
}

func TestBeaconPublishesHealthOnTick(t *testing.T) {
	b := busmock.New()
	tracker := slot.NewTracker(2)
	beac := New("gbe", "host1", b, tracker, 20*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		beac.Run(ctx)
		close(done)
	}()

	waitForPublish(t, b, "gbe.events.sentinel.host1.health", 1)
	cancel()
	<-done
}

func TestBeaconPublishesCapacityOnSlotChange(t *testing.T) {
	b := busmock.New()
	tracker := slot.NewTracker(1)
	beac := New("gbe", "host1", b, tracker, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		beac.Run(ctx)
		close(done)
	}()
	// Let Run subscribe to slot changes before the change is made.
	time.Sleep(20 * time.Millisecond)

	tok, err := tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waitForPublish(t, b, "gbe.events.sentinel.host1.capacity", 1)

	tracker.Release(tok)
	cancel()
	<-done
}

func TestBeaconFlushesFinalCapacityOnCancel(t *testing.T) {
	b := busmock.New()
	tracker := slot.NewTracker(1)
	beac := New("gbe", "host1", b, tracker, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		beac.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	if got := len(b.Published("gbe.events.sentinel.host1.capacity")); got < 1 {
		t.Errorf("expected a final capacity flush on cancellation, got %d publishes", got)
	}
}
