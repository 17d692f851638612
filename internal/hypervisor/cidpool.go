package hypervisor

import (
	"fmt"
	"sync"
)

// CIDPool allocates vsock context IDs from a bounded range, scanning
// forward from the last-issued value and wrapping once the scan range is
// exhausted. Lifted from the teacher's Backend.allocateCID/releaseCID.
type CIDPool struct {
	mu     sync.Mutex
	next   uint32
	inUse  map[uint32]bool
	scan   uint32
}

// NewCIDPool creates a pool starting at base (at least MinCID) with a scan
// window sized to capacity plus slack for allocate/release churn.
func NewCIDPool(base uint32, capacity int) *CIDPool {
	if base < MinCID {
		base = MinCID
	}
	return &CIDPool{
		next:  base,
		inUse: make(map[uint32]bool),
		scan:  uint32(capacity) + 10,
	}
}

// Allocate returns the next free CID.
func (p *CIDPool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint32(0); i < p.scan; i++ {
		candidate := max(p.next+i, MinCID)
		if !p.inUse[candidate] {
			p.inUse[candidate] = true
			p.next = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("hypervisor: no available CIDs (%d in use)", len(p.inUse))
}

// Release returns cid to the pool. Idempotent.
func (p *CIDPool) Release(cid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, cid)
}
