// Package lifecycle implements the VM Lifecycle Coordinator: the per-task
// state machine that sequences provisioning, running, result collection,
// and teardown, and owns the timeout timer for exactly one VM instance
// from claim to slot release.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/seantiz/sentinel/internal/bus"
	"github.com/seantiz/sentinel/internal/claim"
	"github.com/seantiz/sentinel/internal/guestchannel"
	"github.com/seantiz/sentinel/internal/hypervisor"
	"github.com/seantiz/sentinel/internal/metrics"
	"github.com/seantiz/sentinel/internal/model"
	"github.com/seantiz/sentinel/internal/netattach"
	"github.com/seantiz/sentinel/internal/overlay"
	"github.com/seantiz/sentinel/internal/progress"
	"github.com/seantiz/sentinel/internal/sentinelerr"
	"github.com/seantiz/sentinel/internal/slot"
	"github.com/seantiz/sentinel/internal/statestore"
	"github.com/seantiz/sentinel/internal/toolbroker"
)

// publishRetries bounds the terminal bus publish per spec.md §4.7: retried
// with bounded attempts, then logged and abandoned for the sweeper.
const publishRetries = 3

// terminalConnectWait bounds how long a coordinator waits for the guest to
// dial the multiplexer after the hypervisor reports started, separate from
// the task's own timeout_sec.
const terminalConnectWait = 10 * time.Second

// Deps are the shared collaborators every Coordinator is constructed with.
// All fields are safe for concurrent use by many Coordinators at once.
type Deps struct {
	Namespace     string
	HostID        string
	Store         statestore.Store
	Bus           bus.Bus
	Slots         *slot.Tracker
	Overlay       *overlay.Manager
	Network       *netattach.Manager
	CIDPool       *hypervisor.CIDPool
	HypervisorBin string
	KernelPath    string
	RunDir        string // base directory for per-VM socket/vsock-UDS files
	Multiplexer   *guestchannel.Multiplexer
	Progress      *progress.Broker
	ToolBroker    *toolbroker.Broker
	ProxyAllow    *netattach.AllowlistRegistry
	Logger        *slog.Logger

	// NowMS returns the current time in epoch milliseconds. Overridable in
	// tests; defaults to time.Now().UnixMilli via New.
	NowMS func() int64
}

// Coordinator owns one VM instance end-to-end: task identifier, profile
// snapshot, hypervisor handle, CID, overlay path, network attachment
// handle, timeout timer, and guest message channel. Exclusively owned by
// the goroutine running Run; no other goroutine mutates its state.
type Coordinator struct {
	deps    Deps
	profile model.Profile
	handoff claim.Handoff
	logger  *slog.Logger

	stateKey string
	taskID   string
	taskType string

	cid         uint32
	overlayPath string
	netHandle   *netattach.Handle
	driver      *hypervisor.Driver
	socketDir   string
	inbox       <-chan guestchannel.Inbound

	shutdownRequested atomic.Bool
	tornDown          atomic.Bool
}

// New creates a Coordinator for one successfully claimed task.
func New(deps Deps, profile model.Profile, handoff claim.Handoff) *Coordinator {
	if deps.NowMS == nil {
		deps.NowMS = func() int64 { return time.Now().UnixMilli() }
	}
	return &Coordinator{
		deps:     deps,
		profile:  profile,
		handoff:  handoff,
		logger:   deps.Logger.With("task_id", handoff.Descriptor.ID, "task_type", handoff.Descriptor.TaskType),
		stateKey: handoff.StateKey,
		taskID:   handoff.Descriptor.ID,
		taskType: handoff.Descriptor.TaskType,
	}
}

// outcome captures why the VM is heading to teardown, feeding both the
// terminal state-store write and the terminal bus event.
type outcome struct {
	state     string
	errMsg    string
	resultRef string
}

// Run drives the full state machine to completion. It always returns after
// teardown has run, regardless of which path got it there.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.provision(ctx); err != nil {
		c.logger.Error("provisioning failed", "error", err)
		c.teardown(ctx, outcome{state: model.StateFailed, errMsg: err.Error()})
		return
	}

	oc := c.runAndCollect(ctx)
	c.teardown(ctx, oc)
}

// provision allocates every per-VM resource in order, per spec.md §4.7. On
// any error, partially-allocated resources are tracked on the Coordinator
// so teardown can still release them.
func (c *Coordinator) provision(ctx context.Context) error {
	cid, err := c.deps.CIDPool.Allocate()
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.KindHypervisorLaunch, "allocate cid", err)
	}
	c.cid = cid
	c.logger = c.logger.With("cid", cid)

	basePath, err := c.deps.Overlay.ValidateImage(c.profile.Rootfs)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.KindOverlayIO, "validate base image", err)
	}

	overlayPath, err := c.deps.Overlay.Create(ctx, cid, basePath)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.KindOverlayIO, "create overlay", err)
	}
	c.overlayPath = overlayPath

	netHandle, err := c.deps.Network.Attach(ctx, c.taskID, c.profile.Network)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.KindNetworkSetup, "attach network", err)
	}
	c.netHandle = netHandle

	if netHandle.Mode == model.NetworkProxy && c.deps.ProxyAllow != nil {
		var allow []string
		if c.profile.NetworkPolicy != nil {
			allow = c.profile.NetworkPolicy.Allow
		}
		c.deps.ProxyAllow.Register(cid, allow)
	}

	c.socketDir = filepath.Join(c.deps.RunDir, c.taskID)
	if err := os.MkdirAll(c.socketDir, 0o700); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindHypervisorLaunch, "create socket dir", err)
	}

	inbox := c.deps.Multiplexer.Register(cid)
	c.inbox = inbox

	c.driver = hypervisor.New(c.deps.HypervisorBin)
	bootStart := time.Now()
	spec := hypervisor.Spec{
		TaskID:      c.taskID,
		VCPUs:       int64(c.profile.VCPUs),
		MemMB:       int64(c.profile.MemMB),
		KernelPath:  c.deps.KernelPath,
		OverlayPath: overlayPath,
		CID:         cid,
		VsockPath:   filepath.Join(c.socketDir, "vsock.sock"),
		TapDevice:   netHandle.TapDevice,
		MACAddress:  netHandle.MACAddress,
		NetNSPath:   netHandle.NetNSPath,
	}
	if err := c.driver.Start(ctx, c.socketDir, spec); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindHypervisorLaunch, "start hypervisor", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, terminalConnectWait)
	defer cancel()
	if err := c.deps.Multiplexer.WaitConnected(connectCtx, cid); err != nil {
		return sentinelerr.Wrap(sentinelerr.KindGuestProtocol, "guest never connected", err)
	}
	metrics.VMBootDuration.Observe(time.Since(bootStart).Seconds())

	return nil
}

func (c *Coordinator) runAndCollect(ctx context.Context) outcome {
	now := c.deps.NowMS()
	timeoutAt := now + int64(c.profile.TimeoutSec)*1000

	if err := c.deps.Store.SetFields(ctx, c.stateKey, model.TaskState{
		State:       model.StateRunning,
		Worker:      model.WorkerID(c.deps.HostID, c.cid),
		StartedAtMS: now,
		TimeoutAtMS: timeoutAt,
		UpdatedAtMS: now,
	}.ToFields()); err != nil {
		c.logger.Error("failed writing running state", "error", err)
	}

	tools := c.resolveTools()
	payload, _ := json.Marshal(map[string]string{"payload_ref": c.handoff.Descriptor.PayloadRef})
	if err := c.deps.Multiplexer.Send(c.cid, guestchannel.NewTask(c.taskID, payload, tools)); err != nil {
		return outcome{state: model.StateFailed, errMsg: fmt.Sprintf("send task: %v", err)}
	}

	timer := time.NewTimer(time.Until(time.UnixMilli(timeoutAt)))
	defer timer.Stop()

	crashCh := make(chan error, 1)
	go func() {
		crashCh <- c.driver.Wait(context.Background())
	}()

	roundTripStart := time.Now()
	firstResponse := false

	for {
		select {
		case msg, ok := <-c.inbox:
			if !ok {
				return outcome{state: model.StateFailed, errMsg: "guest channel closed unexpectedly"}
			}
			if !firstResponse {
				metrics.VsockRoundTrip.Observe(time.Since(roundTripStart).Seconds())
				firstResponse = true
			}
			if oc, done := c.handleInbound(ctx, msg); done {
				return oc
			}

		case err := <-crashCh:
			if c.shutdownRequested.Load() {
				// Expected exit from our own Shutdown call during teardown
				// of another path; nothing more to collect.
				continue
			}
			hypervisor.LogCrash(c.logger, hypervisor.CrashEvent{TaskID: c.taskID, Err: err})
			return outcome{state: model.StateFailed, errMsg: "vm_crash"}

		case <-timer.C:
			return outcome{state: model.StateFailed, errMsg: "guest_timeout: no result within timeout_sec"}

		case <-ctx.Done():
			return outcome{state: model.StateCancelled, errMsg: "cancelled: drain deadline exceeded"}
		}
	}
}

// handleInbound processes one guest message. The returned bool reports
// whether the lifecycle has reached a terminal condition.
func (c *Coordinator) handleInbound(ctx context.Context, msg guestchannel.Inbound) (outcome, bool) {
	switch msg.Type {
	case guestchannel.TypeProgress:
		p, err := guestchannel.DecodeProgress(msg.Raw)
		if err != nil {
			c.logger.Warn("malformed progress message", "error", err)
			return outcome{}, false
		}
		now := c.deps.NowMS()
		if err := c.deps.Store.SetFields(ctx, c.stateKey, model.TaskState{
			CurrentStep: p.Step,
			UpdatedAtMS: now,
		}.ToFields()); err != nil {
			c.logger.Warn("failed writing progress", "error", err)
		}
		c.deps.Progress.Publish(c.taskID, p.Step)
		c.publishProgress(ctx, p)
		return outcome{}, false

	case guestchannel.TypeResult:
		r, err := guestchannel.DecodeResult(msg.Raw)
		if err != nil {
			c.logger.Warn("malformed result message", "error", err)
			return outcome{}, false
		}
		return outcome{state: model.StateCompleted, resultRef: r.Output}, true

	case guestchannel.TypeError:
		e, err := guestchannel.DecodeError(msg.Raw)
		if err != nil {
			c.logger.Warn("malformed error message", "error", err)
			return outcome{}, false
		}
		return outcome{state: model.StateFailed, errMsg: e.Error}, true

	case guestchannel.TypeToolCall:
		call, err := guestchannel.DecodeToolCall(msg.Raw)
		if err != nil {
			c.logger.Warn("malformed tool_call message", "error", err)
			return outcome{}, false
		}
		c.handleToolCall(ctx, call)
		return outcome{}, false

	default:
		c.logger.Warn("unknown guest message type", "type", msg.Type)
		return outcome{}, false
	}
}

// handleToolCall runs call through the Tool Broker, if one is configured,
// and replies with tool_result or tool_error over the guest channel. A
// Coordinator with no ToolBroker wired (e.g. a profile with no tool
// policy at all) denies every call rather than silently dropping it.
func (c *Coordinator) handleToolCall(ctx context.Context, call guestchannel.ToolCall) {
	if c.deps.ToolBroker == nil {
		_ = c.deps.Multiplexer.Send(c.cid, guestchannel.NewToolError(c.taskID, call.CallID, "tool broker not configured"))
		return
	}

	decision := c.deps.ToolBroker.Call(ctx, c.taskID, call.CallID, call.Tool, call.Params, c.profile, c.resolveTools())
	if !decision.Accepted {
		_ = c.deps.Multiplexer.Send(c.cid, guestchannel.NewToolError(c.taskID, call.CallID, decision.Reason))
		return
	}
	_ = c.deps.Multiplexer.Send(c.cid, guestchannel.NewToolResult(c.taskID, call.CallID, decision.Result))
}

func (c *Coordinator) resolveTools() []string {
	if c.profile.ToolPolicy == nil {
		return nil
	}
	allowed := c.handoff.Descriptor.ToolAllowlist
	if len(allowed) == 0 {
		return c.profile.ToolPolicy.AllowedTools
	}
	set := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		set[t] = true
	}
	var out []string
	for _, t := range c.profile.ToolPolicy.AllowedTools {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

func (c *Coordinator) publishProgress(ctx context.Context, p guestchannel.Progress) {
	data, err := json.Marshal(map[string]any{
		"id":   c.taskID,
		"step": p.Step,
	})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("%s.tasks.%s.progress", c.deps.Namespace, c.taskType)
	if err := c.deps.Bus.Publish(ctx, subject, data, c.handoff.Descriptor.TraceID); err != nil {
		c.logger.Warn("progress publish failed", "error", err)
	}
}

// teardown runs the resource cleanup and the publish/write/release
// sequence mandated by spec.md §5's ordering guarantee. Idempotent: a
// second invocation for the same Coordinator is a no-op.
func (c *Coordinator) teardown(ctx context.Context, oc outcome) {
	if !c.tornDown.CompareAndSwap(false, true) {
		return
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.shutdownRequested.Store(true)
	if c.driver != nil {
		c.driver.Shutdown(teardownCtx)
	}
	if c.netHandle != nil {
		if err := c.deps.Network.Detach(teardownCtx, c.taskID, c.netHandle.Mode); err != nil {
			c.logger.Warn("network detach failed", "error", err)
		}
		if c.netHandle.Mode == model.NetworkProxy && c.deps.ProxyAllow != nil {
			c.deps.ProxyAllow.Unregister(c.cid)
		}
	}
	if c.overlayPath != "" {
		if err := c.deps.Overlay.Destroy(c.overlayPath); err != nil {
			c.logger.Warn("overlay destroy failed", "error", err)
		}
	}
	c.deps.Multiplexer.Unregister(c.cid)
	c.deps.CIDPool.Release(c.cid)
	if c.deps.ToolBroker != nil {
		c.deps.ToolBroker.ForgetTask(c.taskID)
	}
	if c.deps.Progress != nil {
		c.deps.Progress.Close(c.taskID)
	}
	if c.socketDir != "" {
		_ = os.RemoveAll(c.socketDir)
	}

	c.publishTerminal(teardownCtx, oc)

	now := c.deps.NowMS()
	fields := model.TaskState{
		State:         oc.state,
		UpdatedAtMS:   now,
		CompletedAtMS: now,
		Error:         oc.errMsg,
		ResultRef:     oc.resultRef,
	}.ToFields()
	if err := c.deps.Store.SetFields(teardownCtx, c.stateKey, fields); err != nil {
		c.logger.Error("failed writing terminal state", "error", err)
	}

	metrics.TaskOutcomes.WithLabelValues(c.taskType, terminalMetricLabel(oc.state)).Inc()

	c.deps.Slots.Release(c.handoff.Token)
}

func terminalMetricLabel(state string) string {
	switch state {
	case model.StateCompleted:
		return metrics.OutcomeCompleted
	case model.StateCancelled:
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}

func (c *Coordinator) publishTerminal(ctx context.Context, oc outcome) {
	data, err := json.Marshal(map[string]any{
		"id":         c.taskID,
		"task_type":  c.taskType,
		"state":      oc.state,
		"error":      oc.errMsg,
		"result_ref": oc.resultRef,
	})
	if err != nil {
		c.logger.Error("failed marshaling terminal event", "error", err)
		return
	}
	subject := fmt.Sprintf("%s.tasks.%s.terminal", c.deps.Namespace, c.taskType)

	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		if lastErr = c.deps.Bus.Publish(ctx, subject, data, c.handoff.Descriptor.TraceID); lastErr == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	c.logger.Error("terminal publish exhausted retries, abandoning for sweeper", "error", lastErr)
}
