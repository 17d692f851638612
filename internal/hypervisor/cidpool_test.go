package hypervisor

import "testing"

func TestCIDPoolAllocateStartsAtBase(t *testing.T) {
	p := NewCIDPool(100, 4)
	cid, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if cid != 100 {
		t.Errorf("cid = %d, want 100", cid)
	}
}

func TestCIDPoolAllocateSkipsInUse(t *testing.T) {
	p := NewCIDPool(100, 4)
	first, _ := p.Allocate()
	second, _ := p.Allocate()
	if first == second {
		t.Fatalf("expected distinct CIDs, got %d twice", first)
	}
}

func TestCIDPoolReleaseAllowsReuse(t *testing.T) {
	p := NewCIDPool(100, 1)
	first, _ := p.Allocate()
	p.Release(first)
	second, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("expected released CID %d to be reused, got %d", first, second)
	}
}

func TestCIDPoolExhaustion(t *testing.T) {
	p := NewCIDPool(100, 2)
	for i := 0; i < 12; i++ {
		if _, err := p.Allocate(); err != nil {
			return // exhausted, as expected within the scan window
		}
	}
	t.Fatal("expected CID pool to exhaust within its scan window")
}

func TestCIDPoolNeverBelowMinCID(t *testing.T) {
	p := NewCIDPool(0, 4)
	cid, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if cid < MinCID {
		t.Errorf("cid = %d, want >= MinCID(%d)", cid, MinCID)
	}
}
