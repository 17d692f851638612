// Package hypervisor drives a Firecracker microVM through its
// HTTP-over-Unix-socket control plane: configure, start, supervise,
// terminate. Adapted from the teacher's firecracker backend, narrowed from
// a full workload-execution path down to the control-plane sequencing the
// Lifecycle Coordinator needs — sending and receiving task data moves to
// the Host/Guest Channel Multiplexer instead of being driven from here.
package hypervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/sentinel/internal/metrics"
)

// MinCID is the smallest usable vsock context ID; 0-2 are reserved by the
// kernel/hypervisor.
const MinCID uint32 = 3

const vsockDeviceID = "vsock0"
const rootfsDriveID = "rootfs"
const gracefulShutdownTimeout = 3 * time.Second

// Spec describes one VM to launch. CID, overlay path, and (for NAT mode)
// tap device/MAC are resolved by the Lifecycle Coordinator before Start is
// called — the driver itself allocates nothing but the hypervisor socket.
type Spec struct {
	TaskID      string
	VCPUs       int64
	MemMB       int64
	KernelPath  string
	KernelArgs  string
	OverlayPath string
	CID         uint32
	VsockPath   string

	// NAT-mode fields; left zero for proxy/broker-only modes, in which case
	// no network interface is attached.
	TapDevice  string
	MACAddress string
	NetNSPath  string
}

// CrashEvent describes a hypervisor process exit that was not preceded by a
// Shutdown call. Wait itself returns only the exit error; the caller builds
// the event and logs it with LogCrash.
type CrashEvent struct {
	TaskID string
	Err    error
}

// Driver launches and supervises one VM's hypervisor process.
type Driver struct {
	bin string

	mu      sync.Mutex
	machine *fcsdk.Machine
	started bool
}

// New creates a Driver that invokes the hypervisor binary at bin.
func New(bin string) *Driver {
	return &Driver{bin: bin}
}

// Start configures and launches the VM. socketDir holds the hypervisor's
// own control socket and the vsock UDS bridge file; the caller owns its
// lifetime (typically a per-VM directory removed at teardown alongside the
// overlay).
func (d *Driver) Start(ctx context.Context, socketDir string, spec Spec) error {
	socketPath := filepath.Join(socketDir, spec.TaskID+".sock")

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: spec.KernelPath,
		KernelArgs:      spec.KernelArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(spec.OverlayPath),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: spec.VsockPath,
				CID:  spec.CID,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(spec.VCPUs),
			MemSizeMib: fcsdk.Int64(spec.MemMB),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: spec.NetNSPath,
		VMID:  spec.TaskID,
	}

	if spec.TapDevice != "" {
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  spec.MACAddress,
					HostDevName: spec.TapDevice,
				},
			},
		}
	}

	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(d.bin).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}

	d.mu.Lock()
	d.machine = machine
	d.mu.Unlock()

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("start VM: %w", err)
	}

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	metrics.ActiveVMs.Inc()

	return nil
}

// Wait blocks until the hypervisor process exits. The caller distinguishes
// a normal Shutdown-initiated exit from a crash by checking whether
// Shutdown had already been invoked; Wait itself only reports the process
// exit, matching the teacher's machine.Wait semantics.
func (d *Driver) Wait(ctx context.Context) error {
	d.mu.Lock()
	m := d.machine
	d.mu.Unlock()
	if m == nil {
		return fmt.Errorf("hypervisor: Wait called before Start")
	}
	return m.Wait(ctx)
}

// Shutdown issues a graceful shutdown over the control plane, falling back
// to StopVMM if the guest does not exit within the grace period, then
// reaps the process. Idempotent: a second call after the machine has
// already stopped is a no-op.
func (d *Driver) Shutdown(ctx context.Context) {
	d.mu.Lock()
	m := d.machine
	started := d.started
	d.mu.Unlock()
	if m == nil || !started {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()

	if err := m.Shutdown(shutdownCtx); err != nil {
		_ = m.StopVMM()
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer waitCancel()
	if err := m.Wait(waitCtx); err != nil && waitCtx.Err() != nil {
		_ = m.StopVMM()
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	metrics.ActiveVMs.Dec()
}

// Capabilities reports what this driver supports. The health endpoint does
// not serve it.
type Capabilities struct {
	Binary       string
	VsockSupport bool
	NATSupport   bool
}

// ReportCapabilities returns the static capability set for a driver bound
// to bin. NAT support depends on CNI plugin availability, checked
// separately by the Network Attachment Manager, not here.
func ReportCapabilities(bin string) Capabilities {
	return Capabilities{Binary: bin, VsockSupport: true, NATSupport: true}
}

// Logger-scoped crash-event helper kept small and separate from Driver so
// the Lifecycle Coordinator can log a consistent shape regardless of which
// path (Wait error, explicit Shutdown-less exit) produced it.
func LogCrash(logger *slog.Logger, ev CrashEvent) {
	logger.Error("hypervisor process exited unexpectedly", "task_id", ev.TaskID, "error", ev.Err)
}
