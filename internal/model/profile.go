package model

// Network modes a VM profile may select. Mirrors spec.md §4.5's three
// egress-security stages.
const (
	NetworkNAT    = "nat"
	NetworkProxy  = "proxy"
	NetworkNone   = "none"
)

// NetworkPolicy restricts guest egress in proxy mode to an explicit
// host:port allowlist.
type NetworkPolicy struct {
	Allow []string `yaml:"allow"`
}

// RateLimit bounds a tool's call budget per task.
type RateLimit struct {
	CallsPerMinute int `yaml:"calls_per_minute"`
}

// ToolPolicy restricts which capabilities a guest may invoke through the
// Tool Broker and at what rate.
type ToolPolicy struct {
	AllowedTools []string  `yaml:"allowed_tools"`
	RateLimit    RateLimit `yaml:"rate_limit"`
}

// Profile is the static, named VM configuration referenced by task
// descriptors. Loaded from the declarative configuration document and
// never mutated at runtime.
type Profile struct {
	Name          string         `yaml:"-"`
	VCPUs         int            `yaml:"vcpus"`
	MemMB         int            `yaml:"mem_mb"`
	Rootfs        string         `yaml:"rootfs"`
	TimeoutSec    int            `yaml:"timeout_sec"`
	Network       string         `yaml:"network"`
	NetworkPolicy *NetworkPolicy `yaml:"network_policy,omitempty"`
	ToolPolicy    *ToolPolicy    `yaml:"tool_policy,omitempty"`
}

// AllowsTarget reports whether host:port is permitted under the profile's
// proxy-mode network policy. A profile without a policy denies everything
// in proxy mode — an explicit allowlist is mandatory, never implicit.
func (p Profile) AllowsTarget(hostPort string) bool {
	if p.NetworkPolicy == nil {
		return false
	}
	for _, allowed := range p.NetworkPolicy.Allow {
		if allowed == hostPort {
			return true
		}
	}
	return false
}

// AllowsTool reports whether toolName is in the profile's allowed set.
// A profile without a tool policy allows no tools: broker access is
// opt-in per profile.
func (p Profile) AllowsTool(toolName string) bool {
	if p.ToolPolicy == nil {
		return false
	}
	for _, t := range p.ToolPolicy.AllowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}
