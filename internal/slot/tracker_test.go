package slot

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireReleaseConservation(t *testing.T) {
	tr := NewTracker(2)

	tok1, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	tok2, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if got := tr.Used(); got != 2 {
		t.Errorf("Used() = %d, want 2", got)
	}
	if got := tr.Available(); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}

	tr.Release(tok1)
	if got := tr.Used(); got != 1 {
		t.Errorf("Used() after one release = %d, want 1", got)
	}
	tr.Release(tok2)
	if got := tr.Used(); got != 0 {
		t.Errorf("Used() after both released = %d, want 0", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tr := NewTracker(1)
	tok, _ := tr.Acquire(context.Background())
	tr.Release(tok)
	tr.Release(tok) // must not go negative
	if got := tr.Used(); got != 0 {
		t.Errorf("Used() = %d, want 0 after double release", got)
	}
}

func TestReleaseNilTokenNoop(t *testing.T) {
	tr := NewTracker(1)
	tr.Release(nil)
	if got := tr.Used(); got != 0 {
		t.Errorf("Used() = %d, want 0", got)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	tr := NewTracker(1)
	tok, _ := tr.Acquire(context.Background())

	acquired := make(chan *Token, 1)
	go func() {
		tok2, err := tr.Acquire(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- tok2
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	tr.Release(tok)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never returned after release")
	}
}

func TestAcquireCancellation(t *testing.T) {
	tr := NewTracker(1)
	_, _ = tr.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tr.Acquire(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not respect cancellation")
	}
}

func TestUsedNeverExceedsTotalUnderConcurrency(t *testing.T) {
	total := 4
	tr := NewTracker(total)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tr.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			if u := tr.Used(); u > maxSeen {
				maxSeen = u
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			tr.Release(tok)
		}()
	}
	wg.Wait()

	if maxSeen > total {
		t.Errorf("observed used_slots = %d, exceeds total = %d", maxSeen, total)
	}
	if got := tr.Used(); got != 0 {
		t.Errorf("Used() after all released = %d, want 0", got)
	}
}

func TestSubscribeChangesFiresOnAcquireAndRelease(t *testing.T) {
	tr := NewTracker(1)
	ch := tr.SubscribeChanges()

	tok, _ := tr.Acquire(context.Background())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified on acquire")
	}

	ch2 := tr.SubscribeChanges()
	tr.Release(tok)

	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified on release")
	}
}
