package netattach

import (
	"context"
	"fmt"

	"github.com/seantiz/sentinel/internal/model"
)

// Handle is what the Lifecycle Coordinator keeps for the lifetime of one
// VM's network attachment, regardless of mode.
type Handle struct {
	Mode       string
	TapDevice  string
	MACAddress string
	NetNSPath  string
}

// Manager dispatches to NAT, proxy, or broker-only handling based on a
// profile's configured network mode. Proxy mode shares a single host-wide
// ProxyManager (one listener, many CIDs); NAT mode allocates per-task CNI
// resources through the embedded NATManager.
type Manager struct {
	nat   *NATManager
	proxy *ProxyManager
}

// New creates a Manager. proxy may be nil if no profile in the
// configuration uses proxy mode.
func New(nat *NATManager, proxy *ProxyManager) *Manager {
	return &Manager{nat: nat, proxy: proxy}
}

// Attach provisions networking for taskID according to mode, returning a
// Handle that Detach can later use to tear it down. For proxy and
// broker-only modes, the VM's CID must already be registered with the
// multiplexer and the ProxyManager's AllowFunc by the caller before guest
// traffic can be served — Attach itself does no per-CID registration
// because the proxy listener is host-wide and policy-driven, not
// connection-driven.
func (m *Manager) Attach(ctx context.Context, taskID string, mode string) (*Handle, error) {
	switch mode {
	case model.NetworkNAT:
		if m.nat == nil {
			return nil, fmt.Errorf("netattach: NAT mode requested but no NATManager configured")
		}
		att, err := m.nat.Attach(ctx, taskID)
		if err != nil {
			return nil, err
		}
		mac := att.MACAddress
		if mac == "" {
			mac = GenerateMAC(taskID).String()
		}
		return &Handle{Mode: mode, TapDevice: att.TapDevice, MACAddress: mac, NetNSPath: att.NamespacePath}, nil
	case model.NetworkProxy:
		if m.proxy == nil {
			return nil, fmt.Errorf("netattach: proxy mode requested but no ProxyManager configured")
		}
		return &Handle{Mode: mode}, nil
	case model.NetworkNone:
		return &Handle{Mode: mode}, nil
	default:
		return nil, fmt.Errorf("netattach: unknown network mode %q", mode)
	}
}

// Detach tears down whatever Attach provisioned. A no-op for proxy and
// broker-only modes, since they hold no per-task resources.
func (m *Manager) Detach(ctx context.Context, taskID string, mode string) error {
	if mode == model.NetworkNAT && m.nat != nil {
		return m.nat.Detach(ctx, taskID)
	}
	return nil
}
