package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/seantiz/sentinel/internal/bus"
	"github.com/seantiz/sentinel/internal/claim"
	"github.com/seantiz/sentinel/internal/config"
	"github.com/seantiz/sentinel/internal/model"
	"github.com/seantiz/sentinel/internal/slot"
	"github.com/seantiz/sentinel/internal/statestore/storemock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, store *storemock.Store) *Supervisor {
	t.Helper()
	tracker := slot.NewTracker(1)
	cfg := config.Config{
		Namespace: "gbe",
		HostID:    "host1",
		Slots:     1,
		Profiles: map[string]model.Profile{
			"default": {Name: "default", VCPUs: 1, MemMB: 128, Rootfs: "default.ext4", TimeoutSec: 30, Network: model.NetworkNone},
		},
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   discardLogger(),
		store:    store,
		slots:    tracker,
		claimant: claim.New(cfg.Namespace, store, tracker, discardLogger()),
	}
}

func taskMessage(id, taskType, profile string) *bus.Message {
	desc := model.TaskDescriptor{ID: id, TaskType: taskType, Profile: profile}
	data, _ := json.Marshal(desc)
	return bus.NewMessage(id, "gbe.tasks."+taskType+".queue", data, "",
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
}

func TestHandleClaimHappyPathSpawnsCoordinator(t *testing.T) {
	store := storemock.New()
	s := newTestSupervisor(t, store)

	var mu sync.Mutex
	var gotID string
	done := make(chan struct{})
	s.spawnCoordinator = func(ctx context.Context, profile model.Profile, handoff claim.Handoff) {
		mu.Lock()
		gotID = handoff.Descriptor.ID
		mu.Unlock()
		close(done)
	}
	s.coordinatorCtx = context.Background()

	store.Seed(model.StateKey("gbe", "build", "T1"), map[string][]byte{model.FieldState: []byte(model.StatePending)})

	token, err := s.slots.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	msg := taskMessage("T1", "build", "default")
	s.handleClaim(context.Background(), msg, token)

	<-done
	mu.Lock()
	defer mu.Unlock()
	if gotID != "T1" {
		t.Errorf("spawned coordinator for id %q, want T1", gotID)
	}

	rec, err := store.Get(context.Background(), model.StateKey("gbe", "build", "T1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec[model.FieldState]) != model.StateClaimed {
		t.Errorf("state = %q, want claimed", rec[model.FieldState])
	}
}

func TestHandleClaimUnknownProfileReleasesSlotAndDoesNotSpawn(t *testing.T) {
	store := storemock.New()
	s := newTestSupervisor(t, store)

	spawned := false
	s.spawnCoordinator = func(ctx context.Context, profile model.Profile, handoff claim.Handoff) {
		spawned = true
	}
	s.coordinatorCtx = context.Background()

	token, err := s.slots.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	msg := taskMessage("T2", "build", "nonexistent")
	s.handleClaim(context.Background(), msg, token)
	s.coordinatorWG.Wait()

	if spawned {
		t.Error("expected no coordinator to be spawned for an unknown profile")
	}
	if s.slots.Available() != s.slots.Total() {
		t.Errorf("slot not released: available = %d, total = %d", s.slots.Available(), s.slots.Total())
	}
}

func TestHandleClaimRaceOnlyOneWinnerSpawns(t *testing.T) {
	store := storemock.New()
	sA := newTestSupervisor(t, store)
	sB := newTestSupervisor(t, store)

	var mu sync.Mutex
	spawnCount := 0
	spawn := func(ctx context.Context, profile model.Profile, handoff claim.Handoff) {
		mu.Lock()
		spawnCount++
		mu.Unlock()
	}
	sA.spawnCoordinator = spawn
	sB.spawnCoordinator = spawn
	sA.coordinatorCtx = context.Background()
	sB.coordinatorCtx = context.Background()

	store.Seed(model.StateKey("gbe", "build", "T3"), map[string][]byte{model.FieldState: []byte(model.StatePending)})

	tokA, err := sA.slots.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	tokB, err := sB.slots.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire B: %v", err)
	}

	msgA := taskMessage("T3", "build", "default")
	msgB := taskMessage("T3", "build", "default")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sA.handleClaim(context.Background(), msgA, tokA) }()
	go func() { defer wg.Done(); sB.handleClaim(context.Background(), msgB, tokB) }()
	wg.Wait()

	sA.coordinatorWG.Wait()
	sB.coordinatorWG.Wait()

	mu.Lock()
	defer mu.Unlock()
	if spawnCount != 1 {
		t.Errorf("spawnCount = %d, want exactly 1 (single-winner claim)", spawnCount)
	}

	if sA.claimant.Conflicts()+sB.claimant.Conflicts() != 1 {
		t.Errorf("total conflicts = %d, want exactly 1", sA.claimant.Conflicts()+sB.claimant.Conflicts())
	}
}

func TestAnyProfileHasToolPolicy(t *testing.T) {
	none := map[string]model.Profile{"default": {Name: "default"}}
	if anyProfileHasToolPolicy(none) {
		t.Error("expected false when no profile carries a tool policy")
	}

	withTools := map[string]model.Profile{
		"sandboxed": {Name: "sandboxed", ToolPolicy: &model.ToolPolicy{AllowedTools: []string{"http_get"}}},
	}
	if !anyProfileHasToolPolicy(withTools) {
		t.Error("expected true when a profile carries a tool policy")
	}
}

func TestCheckPrerequisitesMissingHypervisorBinary(t *testing.T) {
	cfg := config.Config{
		HypervisorBin: "/nonexistent/firecracker",
		KernelPath:    "/nonexistent/vmlinux",
		ImageDir:      "/nonexistent/images",
	}
	if err := checkPrerequisites(cfg); err == nil {
		t.Fatal("expected error for missing hypervisor binary")
	}
}

func TestDialBusUnknownTransport(t *testing.T) {
	if _, err := dialBus(config.BusOptions{Transport: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown bus transport")
	}
}

func TestOpenStoreUnknownTransport(t *testing.T) {
	if _, err := openStore(config.StateOptions{Transport: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown state transport")
	}
}
