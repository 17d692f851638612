// Package netattach implements the Network Attachment Manager's three
// modes: NAT (tap device on a shared bridge via CNI, isolated per-guest
// with iptables), proxy (CONNECT-style bridging over the guest channel
// with allowlist enforcement), and broker-only (no network path at all;
// outbound effects go through the Tool Broker). NAT mode is adapted
// directly from the teacher's internal/backend/firecracker/network.go.
package netattach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
	"github.com/coreos/go-iptables/iptables"
)

// isolationFilterTable/Chain are where per-VM isolation rules are inserted.
// FORWARD is the chain the kernel consults for bridge-forwarded traffic
// between the tap device and the rest of the host, regardless of the
// distro's default FORWARD policy.
const (
	isolationFilterTable = "filter"
	isolationFilterChain = "FORWARD"
)

// Defaults for the shared bridge network.
const (
	DefaultBridgeName = "sentinelbr0"
	DefaultSubnet     = "10.200.0.0/22"
	DefaultGateway    = "10.200.0.1"
	CNINetworkName    = "sentinel-fcnet"
	CNIVersion        = "1.0.0"
	CNIIfName         = "eth0"
	CNICacheDir       = "/var/lib/cni/cache"
	NetNSRunDir       = "/var/run/netns"
	NetNSPrefix       = "sentinel-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// Attachment holds the result of a NAT-mode attach.
type Attachment struct {
	TapDevice     string
	GuestIP       string
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// NATManager provisions and tears down CNI bridge+tap networking for
// NAT-mode profiles.
type NATManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	ipt           *iptables.IPTables
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // task id -> namespace path
	guestIPs   map[string]string // task id -> CIDR-form guest address
}

// NewNATManager creates a NATManager using CNI plugin binaries in binDir
// and writing its generated conflist under configDir.
func NewNATManager(binDir, configDir string, logger *slog.Logger) (*NATManager, error) {
	cniConfig := libcni.NewCNIConfigWithCacheDir([]string{binDir}, CNICacheDir, nil)

	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}

	return &NATManager{
		cniBinDir:     binDir,
		cniConfigDir:  configDir,
		cniConfig:     cniConfig,
		confList:      confList,
		confListBytes: confBytes,
		ipt:           ipt,
		logger:        logger,
		namespaces:    make(map[string]string),
		guestIPs:      make(map[string]string),
	}, nil
}

// Attach creates a network namespace and CNI-provisions a tap device for
// taskID. The conflist's ipMasq/isGateway settings only handle egress
// masquerading and gateway assignment; they do not isolate guests from
// each other or from host-local services. Attach additionally installs a
// FORWARD-chain DROP rule scoped to the guest's single /32 address, which
// denies both inter-VM traffic and access to host-local services (the
// state store, the hypervisor control socket) reachable only through the
// shared bridge's subnet, while leaving internet-bound egress untouched.
func (nm *NATManager) Attach(ctx context.Context, taskID string) (*Attachment, error) {
	nsName := NetNSPrefix + taskID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	nm.mu.Lock()
	nm.namespaces[taskID] = nsPath
	nm.mu.Unlock()

	rtConf := &libcni.RuntimeConf{ContainerID: taskID, NetNS: nsPath, IfName: CNIIfName}

	result, err := nm.cniConfig.AddNetworkList(ctx, nm.confList, rtConf)
	if err != nil {
		if cleanupErr := deleteNetNS(nsName); cleanupErr != nil {
			nm.logger.Warn("netns cleanup after CNI ADD failure failed", "task_id", taskID, "error", cleanupErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, taskID)
		nm.mu.Unlock()
		return nil, fmt.Errorf("CNI ADD for %s: %w", taskID, err)
	}

	attach, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); delErr != nil {
			nm.logger.Debug("CNI DEL cleanup after parse failure failed", "task_id", taskID, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Debug("netns cleanup after parse failure failed", "task_id", taskID, "error", nsErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, taskID)
		nm.mu.Unlock()
		return nil, fmt.Errorf("parse CNI result for %s: %w", taskID, err)
	}

	if err := nm.installIsolation(attach.GuestIP); err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); delErr != nil {
			nm.logger.Debug("CNI DEL cleanup after isolation failure failed", "task_id", taskID, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Debug("netns cleanup after isolation failure failed", "task_id", taskID, "error", nsErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, taskID)
		nm.mu.Unlock()
		return nil, fmt.Errorf("install firewall isolation for %s: %w", taskID, err)
	}
	nm.mu.Lock()
	nm.guestIPs[taskID] = attach.GuestIP
	nm.mu.Unlock()

	nm.logger.Info("NAT attachment complete", "task_id", taskID, "tap", attach.TapDevice, "guest_ip", attach.GuestIP)
	return attach, nil
}

// installIsolation adds the FORWARD-chain DROP rule that denies guestIP
// (a CIDR string as returned in Attachment.GuestIP) traffic destined for
// the shared bridge subnet. Every other VM's tap address and the bridge
// gateway (the only host-local address reachable over the bridge) live
// inside DefaultSubnet, so this single rule serves both isolation
// requirements without touching NAT egress, which is routed outside it.
func (nm *NATManager) installIsolation(guestIP string) error {
	hostIP, err := hostAddr(guestIP)
	if err != nil {
		return fmt.Errorf("parse guest address %q: %w", guestIP, err)
	}
	rule := []string{"-s", hostIP, "-d", DefaultSubnet, "-j", "DROP"}
	if err := nm.ipt.AppendUnique(isolationFilterTable, isolationFilterChain, rule...); err != nil {
		return fmt.Errorf("insert isolation rule for %s: %w", hostIP, err)
	}
	return nil
}

// removeIsolation deletes the DROP rule installed by installIsolation, if
// present. Safe to call on already-cleaned-up guests.
func (nm *NATManager) removeIsolation(guestIP string) error {
	hostIP, err := hostAddr(guestIP)
	if err != nil {
		return fmt.Errorf("parse guest address %q: %w", guestIP, err)
	}
	rule := []string{"-s", hostIP, "-d", DefaultSubnet, "-j", "DROP"}
	if err := nm.ipt.DeleteIfExists(isolationFilterTable, isolationFilterChain, rule...); err != nil {
		return fmt.Errorf("delete isolation rule for %s: %w", hostIP, err)
	}
	return nil
}

// hostAddr extracts the bare host address (as a /32 match) from a
// CIDR-form address string such as "10.200.0.5/22". Using the CIDR form
// directly as an iptables source match would wrongly match the whole
// subnet instead of the single guest.
func hostAddr(cidr string) (string, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", err
	}
	return ip.String() + "/32", nil
}

// Detach tears down the namespace and CNI resources for taskID. Idempotent.
func (nm *NATManager) Detach(ctx context.Context, taskID string) error {
	nm.mu.Lock()
	nsPath, ok := nm.namespaces[taskID]
	if !ok {
		nm.mu.Unlock()
		return nil
	}
	guestIP := nm.guestIPs[taskID]
	delete(nm.namespaces, taskID)
	delete(nm.guestIPs, taskID)
	nm.mu.Unlock()

	nsName := NetNSPrefix + taskID
	rtConf := &libcni.RuntimeConf{ContainerID: taskID, NetNS: nsPath, IfName: CNIIfName}

	var firstErr error
	if guestIP != "" {
		if err := nm.removeIsolation(guestIP); err != nil {
			firstErr = fmt.Errorf("remove isolation rule for %s: %w", taskID, err)
			nm.logger.Warn("firewall isolation cleanup failed", "task_id", taskID, "error", err)
		}
	}
	if err := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("CNI DEL for %s: %w", taskID, err)
		}
		nm.logger.Warn("CNI DEL failed", "task_id", taskID, "error", err)
	}
	if err := deleteNetNS(nsName); err != nil {
		nm.logger.Warn("netns cleanup failed", "task_id", taskID, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delete netns for %s: %w", taskID, err)
		}
	}
	return firstErr
}

// DetachAll tears down every tracked namespace, used on supervisor
// shutdown drain.
func (nm *NATManager) DetachAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()
	for _, id := range ids {
		if err := nm.Detach(ctx, id); err != nil {
			nm.logger.Error("detach failed during shutdown", "task_id", id, "error", err)
		}
	}
}

// Verify checks that all required CNI plugins exist in cniBinDir.
func (nm *NATManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		if _, err := os.Stat(filepath.Join(nm.cniBinDir, plugin)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, plugin)
				continue
			}
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConflist writes the generated CNI conflist to cniConfigDir, for the
// "write-cni-conflist" CLI subcommand.
func (nm *NATManager) WriteConflist() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	confPath := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(confPath, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", confPath)
	return nil
}

func generateConfList() ([]byte, error) {
	confList := struct {
		CNIVersion string           `json:"cniVersion"`
		Name       string           `json:"name"`
		Plugins    []map[string]any `json:"plugins"`
	}{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}
	data, err := json.MarshalIndent(confList, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

func parseResult(result types.Result, nsPath string) (*Attachment, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	attach := &Attachment{NamespacePath: nsPath}

	for _, iface := range res.Interfaces {
		if iface.Sandbox != "" && iface.Name != CNIIfName {
			attach.TapDevice = iface.Name
			attach.MACAddress = iface.Mac
			break
		}
	}
	if attach.TapDevice == "" {
		for _, iface := range res.Interfaces {
			if iface.Sandbox != "" {
				attach.TapDevice = iface.Name
				attach.MACAddress = iface.Mac
				break
			}
		}
	}
	if attach.TapDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) > 0 {
		attach.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			attach.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if attach.GuestIP == "" {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	return attach, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	cmd := exec.Command("ip", "netns", "add", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

func deleteNetNS(name string) error {
	nsPath := filepath.Join(NetNSRunDir, name)
	if _, err := os.Stat(nsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	cmd := exec.Command("ip", "netns", "delete", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// GenerateMAC creates a deterministic, locally-administered MAC address
// from a task id.
func GenerateMAC(taskID string) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	hash := uint32(0)
	for _, b := range []byte(taskID) {
		hash = hash*31 + uint32(b)
	}
	mac[1] = byte(hash >> 24)
	mac[2] = byte(hash >> 16)
	mac[3] = byte(hash >> 8)
	mac[4] = byte(hash)
	mac[5] = byte(hash >> 12)
	return mac
}
