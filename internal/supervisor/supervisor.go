// Package supervisor composes every other package into one running
// process: the Supervisor Entry of spec.md §4.11. It owns startup
// validation, transport selection, component wiring, and the shutdown
// drain sequence — the one place in the module allowed to know about
// every other internal package.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/sentinel/internal/beacon"
	"github.com/seantiz/sentinel/internal/bus"
	"github.com/seantiz/sentinel/internal/bus/busmock"
	"github.com/seantiz/sentinel/internal/bus/natsbus"
	"github.com/seantiz/sentinel/internal/claim"
	"github.com/seantiz/sentinel/internal/config"
	"github.com/seantiz/sentinel/internal/guestchannel"
	"github.com/seantiz/sentinel/internal/healthsrv"
	"github.com/seantiz/sentinel/internal/hypervisor"
	"github.com/seantiz/sentinel/internal/lifecycle"
	"github.com/seantiz/sentinel/internal/model"
	"github.com/seantiz/sentinel/internal/netattach"
	"github.com/seantiz/sentinel/internal/overlay"
	"github.com/seantiz/sentinel/internal/progress"
	"github.com/seantiz/sentinel/internal/queue"
	"github.com/seantiz/sentinel/internal/sentinelerr"
	"github.com/seantiz/sentinel/internal/slot"
	"github.com/seantiz/sentinel/internal/statestore"
	"github.com/seantiz/sentinel/internal/statestore/redisstore"
	"github.com/seantiz/sentinel/internal/statestore/sqlitestore"
	"github.com/seantiz/sentinel/internal/statestore/storemock"
	"github.com/seantiz/sentinel/internal/toolbroker"
)

// forceTeardownGrace bounds how long Run waits for coordinators to unwind
// after the drain deadline forces cancellation, before giving up and
// returning anyway — teardown itself is already bounded by its own
// internal 10s timeout, so this is just slack for goroutine scheduling.
const forceTeardownGrace = 15 * time.Second

// Supervisor is the fully wired, ready-to-run composition of one host's
// sandbox lifecycle components.
type Supervisor struct {
	cfg    config.Config
	logger *slog.Logger

	bus   bus.Bus
	store statestore.Store
	slots *slot.Tracker

	overlayMgr  *overlay.Manager
	netMgr      *netattach.Manager
	proxyMgr    *netattach.ProxyManager
	proxyAllow  *netattach.AllowlistRegistry
	cidPool     *hypervisor.CIDPool
	mux         *guestchannel.Multiplexer
	progressBus *progress.Broker
	toolBroker  *toolbroker.Broker
	claimant    *claim.Claimant
	beac        *beacon.Beacon
	health      *healthsrv.Server
	consumers   []*queue.Consumer

	draining atomic.Bool

	coordinatorWG sync.WaitGroup

	mu                 sync.Mutex
	coordinatorCtx     context.Context
	coordinatorCancel  context.CancelFunc
	// spawnCoordinator runs a successfully claimed task to completion. In
	// production this constructs and runs a real lifecycle.Coordinator;
	// tests substitute a stub to exercise claim dispatch without a real
	// hypervisor.
	spawnCoordinator func(ctx context.Context, profile model.Profile, handoff claim.Handoff)
}

// New validates prerequisites and wires every component from cfg. A
// returned error carries a sentinelerr.Kind suitable for mapping to an
// exit code by the caller (cmd/sentineld): config kinds map to exit 1,
// prerequisite_missing to exit 2, bus_fatal/state_fatal to exit 3.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	if err := checkPrerequisites(cfg); err != nil {
		return nil, err
	}

	manifest, err := overlay.LoadManifest(filepath.Join(cfg.ImageDir, ".manifest.json"))
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.KindPrerequisiteMissing, "load image manifest", err)
	}

	b, err := dialBus(cfg.Bus)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.KindBusFatal, "dial bus", err)
	}

	store, err := openStore(cfg.State)
	if err != nil {
		_ = b.Close()
		return nil, sentinelerr.Wrap(sentinelerr.KindStateFatal, "open state store", err)
	}

	slots := slot.NewTracker(cfg.Slots)
	overlayMgr := overlay.New(cfg.ImageDir, cfg.OverlayDir, manifest, true, logger)
	cidPool := hypervisor.NewCIDPool(hypervisor.MinCID, cfg.Slots)
	mux := guestchannel.New(cfg.TaskChannelPort, logger)
	progressBus := progress.NewBroker()
	claimant := claim.New(cfg.Namespace, store, slots, logger)

	netMgr, proxyMgr, proxyAllow, err := wireNetwork(cfg, logger)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.KindConfig, "wire network attachment", err)
	}

	var tb *toolbroker.Broker
	if anyProfileHasToolPolicy(cfg.Profiles) {
		executor := toolbroker.NewDefaultExecutor(cfg.ToolExecRoot, func(string) bool { return true })
		tb = toolbroker.New(executor, nil)
	}

	beac := beacon.New(cfg.Namespace, cfg.HostID, b, slots, cfg.HeartbeatInterval.Duration, logger)

	s := &Supervisor{
		cfg:         cfg,
		logger:      logger,
		bus:         b,
		store:       store,
		slots:       slots,
		overlayMgr:  overlayMgr,
		netMgr:      netMgr,
		proxyMgr:    proxyMgr,
		proxyAllow:  proxyAllow,
		cidPool:     cidPool,
		mux:         mux,
		progressBus: progressBus,
		toolBroker:  tb,
		claimant:    claimant,
		beac:        beac,
	}
	s.health = healthsrv.New(cfg.ListenAddr, func() bool { return !s.draining.Load() }, logger)
	s.spawnCoordinator = s.runRealCoordinator

	for _, taskType := range cfg.TaskTypes {
		s.consumers = append(s.consumers, queue.New(cfg.Namespace, taskType, b, slots, s.handleClaim, logger))
	}

	return s, nil
}

func checkPrerequisites(cfg config.Config) error {
	if _, err := os.Stat(cfg.HypervisorBin); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindPrerequisiteMissing, "hypervisor binary", err)
	}
	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindPrerequisiteMissing, "kernel image", err)
	}
	if _, err := os.Stat(cfg.ImageDir); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindPrerequisiteMissing, "image directory", err)
	}
	return nil
}

func dialBus(opts config.BusOptions) (bus.Bus, error) {
	switch opts.Transport {
	case "nats":
		return natsbus.Connect(opts.URL)
	case "mock":
		return busmock.New(), nil
	default:
		return nil, fmt.Errorf("supervisor: unknown bus transport %q", opts.Transport)
	}
}

func openStore(opts config.StateOptions) (statestore.Store, error) {
	switch opts.Transport {
	case "sqlite":
		return sqlitestore.Open(opts.DSN)
	case "redis":
		return redisstore.Open(opts.DSN)
	case "mock":
		return storemock.New(), nil
	default:
		return nil, fmt.Errorf("supervisor: unknown state transport %q", opts.Transport)
	}
}

func anyProfileHasToolPolicy(profiles map[string]model.Profile) bool {
	for _, p := range profiles {
		if p.ToolPolicy != nil {
			return true
		}
	}
	return false
}

// wireNetwork constructs only the sub-managers any configured profile
// actually needs: a NAT manager if any profile uses nat mode, a proxy
// manager (plus its shared allowlist registry) if any profile uses proxy
// mode. Either or both may end up nil.
func wireNetwork(cfg config.Config, logger *slog.Logger) (*netattach.Manager, *netattach.ProxyManager, *netattach.AllowlistRegistry, error) {
	var needNAT, needProxy bool
	for _, p := range cfg.Profiles {
		switch p.Network {
		case model.NetworkNAT:
			needNAT = true
		case model.NetworkProxy:
			needProxy = true
		}
	}

	var nat *netattach.NATManager
	if needNAT {
		var err error
		nat, err = netattach.NewNATManager(cfg.CNIBinDir, cfg.CNIConfigDir, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("construct NAT manager: %w", err)
		}
	}

	var proxy *netattach.ProxyManager
	var registry *netattach.AllowlistRegistry
	if needProxy {
		registry = netattach.NewAllowlistRegistry()
		proxy = netattach.NewProxyManager(cfg.ProxyPort, registry.Allow, logger)
	}

	return netattach.New(nat, proxy), proxy, registry, nil
}

// Run blocks until ctx is cancelled, then drains in-flight coordinators
// for up to cfg.DrainDeadline before returning. A non-nil return indicates
// a startup failure in one of the background components; Run always waits
// for the drain to finish (or time out) before returning, even on error.
func (s *Supervisor) Run(ctx context.Context) error {
	var startErr error
	var startErrOnce sync.Once
	failStart := func(err error) {
		startErrOnce.Do(func() { startErr = err })
	}

	coordinatorCtx, coordinatorCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.coordinatorCtx = coordinatorCtx
	s.coordinatorCancel = coordinatorCancel
	s.mu.Unlock()
	defer coordinatorCancel()

	if err := s.mux.Start(ctx); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindHypervisorLaunch, "start guest channel multiplexer", err)
	}
	if s.proxyMgr != nil {
		if err := s.proxyMgr.Start(ctx); err != nil {
			return sentinelerr.Wrap(sentinelerr.KindNetworkSetup, "start proxy manager", err)
		}
	}

	var wg sync.WaitGroup

	// beaconCtx is cancelled only after drainCoordinators returns below, not
	// when the outer shutdown ctx fires, so the Beacon's mandated final
	// capacity flush reports the post-drain slot count (used=0) rather than
	// whatever was in flight the instant shutdown began.
	beaconCtx, beaconCancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.beac.Run(beaconCtx)
	}()

	healthCtx, healthCancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.health.Run(healthCtx); err != nil {
			failStart(fmt.Errorf("health server: %w", err))
		}
	}()

	var consumerWG sync.WaitGroup
	for _, c := range s.consumers {
		c := c
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			if err := c.Run(ctx); err != nil {
				failStart(fmt.Errorf("queue consumer: %w", err))
			}
		}()
	}

	<-ctx.Done()
	s.draining.Store(true)
	consumerWG.Wait()

	s.drainCoordinators()

	beaconCancel()
	healthCancel()
	wg.Wait()

	_ = s.store.Close()
	_ = s.bus.Close()

	return startErr
}

// drainCoordinators waits for every in-flight lifecycle.Coordinator to
// reach teardown, up to cfg.DrainDeadline. Coordinators are run with a
// context independent of the Supervisor's own run context so an already
// claimed VM keeps making progress after Run's ctx is cancelled — only the
// drain deadline, not the shutdown signal itself, forces early teardown.
func (s *Supervisor) drainCoordinators() {
	done := make(chan struct{})
	go func() {
		s.coordinatorWG.Wait()
		close(done)
	}()

	deadline := time.After(s.cfg.DrainDeadline.Duration)
	select {
	case <-done:
		return
	case <-deadline:
		s.logger.Warn("drain deadline exceeded, forcing in-flight coordinators to teardown")
	}

	s.mu.Lock()
	cancel := s.coordinatorCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
	case <-time.After(forceTeardownGrace):
		s.logger.Error("coordinators did not finish teardown after forced cancellation")
	}
}

// coordinatorContext returns the context every spawnCoordinator call
// should run with — independent of Run's own ctx so a claimed VM keeps
// making progress after the shutdown signal, until the drain deadline
// forces it to stop.
func (s *Supervisor) coordinatorContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinatorCtx
}

// handleClaim is the queue.Handler wired to every Consumer: it resolves
// the claimed task's profile, attempts the CAS claim, and on success hands
// off to spawnCoordinator. Every other outcome has already released the
// token and nak'd the message inside Attempt.
func (s *Supervisor) handleClaim(ctx context.Context, msg *bus.Message, token *slot.Token) {
	var peek struct {
		Profile string `json:"profile"`
	}
	if err := json.Unmarshal(msg.Data, &peek); err != nil {
		s.slots.Release(token)
		_ = msg.Nak(ctx)
		s.logger.Error("malformed task envelope, cannot resolve profile", "error", err)
		return
	}

	profile, ok := s.cfg.Profiles[peek.Profile]
	if !ok {
		s.slots.Release(token)
		_ = msg.Nak(ctx)
		s.logger.Error("unknown profile referenced by task", "profile", peek.Profile)
		return
	}

	outcome, handoff := s.claimant.Attempt(ctx, msg, token, s.cfg.HostID, time.Now().UnixMilli(), profile.TimeoutSec)
	if outcome != claim.OutcomeClaimed {
		return
	}

	s.coordinatorWG.Add(1)
	go func() {
		defer s.coordinatorWG.Done()
		s.spawnCoordinator(s.coordinatorContext(), profile, *handoff)
	}()
}

func (s *Supervisor) runRealCoordinator(ctx context.Context, profile model.Profile, handoff claim.Handoff) {
	deps := lifecycle.Deps{
		Namespace:     s.cfg.Namespace,
		HostID:        s.cfg.HostID,
		Store:         s.store,
		Bus:           s.bus,
		Slots:         s.slots,
		Overlay:       s.overlayMgr,
		Network:       s.netMgr,
		CIDPool:       s.cidPool,
		HypervisorBin: s.cfg.HypervisorBin,
		KernelPath:    s.cfg.KernelPath,
		RunDir:        s.cfg.RunDir,
		Multiplexer:   s.mux,
		Progress:      s.progressBus,
		ToolBroker:    s.toolBroker,
		ProxyAllow:    s.proxyAllow,
		Logger:        s.logger,
	}
	lifecycle.New(deps, profile, handoff).Run(ctx)
}
