package netattach

import "sync"

// AllowlistRegistry tracks the per-CID allowed CONNECT targets for
// proxy-mode VMs, so a single host-wide ProxyManager can enforce each
// task's own profile.network_policy.allow without knowing about profiles
// itself. The Lifecycle Coordinator registers a CID when it attaches
// proxy-mode networking and unregisters it at teardown.
type AllowlistRegistry struct {
	mu sync.RWMutex
	m  map[uint32]map[string]bool
}

// NewAllowlistRegistry creates an empty registry.
func NewAllowlistRegistry() *AllowlistRegistry {
	return &AllowlistRegistry{m: make(map[uint32]map[string]bool)}
}

// Register records the allowed targets for cid, replacing any prior entry.
// A nil or empty allow list denies every target for that CID.
func (r *AllowlistRegistry) Register(cid uint32, allow []string) {
	set := make(map[string]bool, len(allow))
	for _, a := range allow {
		set[a] = true
	}
	r.mu.Lock()
	r.m[cid] = set
	r.mu.Unlock()
}

// Unregister drops cid's entry. Idempotent.
func (r *AllowlistRegistry) Unregister(cid uint32) {
	r.mu.Lock()
	delete(r.m, cid)
	r.mu.Unlock()
}

// Allow reports whether cid may CONNECT to target. Satisfies AllowFunc. A
// CID with no registered entry (never attached, or already torn down) is
// always denied.
func (r *AllowlistRegistry) Allow(cid uint32, target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[cid][target]
}
