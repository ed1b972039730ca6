package broker

import "testing"

func TestIDProvider_Monotonic(t *testing.T) {
	p := newIDProvider()
	for want := RemoteConnID(0); want < 5; want++ {
		if got := p.acquire(); got != want {
			t.Errorf("acquire = %d, want %d", got, want)
		}
	}
}

func TestIDProvider_ReusesFreedIDs(t *testing.T) {
	p := newIDProvider()
	a := p.acquire()
	b := p.acquire()
	_ = p.acquire()

	p.release(b)
	p.release(a)

	// LIFO reuse off the free list; both must come back before a fresh id.
	if got := p.acquire(); got != a {
		t.Errorf("first reuse = %d, want %d", got, a)
	}
	if got := p.acquire(); got != b {
		t.Errorf("second reuse = %d, want %d", got, b)
	}
	if got := p.acquire(); got != 3 {
		t.Errorf("fresh id = %d, want 3", got)
	}
}

func TestIDProvider_InvalidFreeListEntry(t *testing.T) {
	p := newIDProvider()
	_ = p.acquire() // next = 1

	// An id >= next has never been minted; acquire must fall back to a
	// fresh one instead of handing it out.
	p.release(99)
	if got := p.acquire(); got != 1 {
		t.Errorf("acquire = %d, want fresh id 1", got)
	}
}

func TestIDProvider_IsValid(t *testing.T) {
	p := newIDProvider()
	p.acquire()
	p.acquire()
	if !p.isValid(0) || !p.isValid(1) {
		t.Error("minted ids must be valid")
	}
	if p.isValid(2) {
		t.Error("never-minted id must be invalid")
	}
}
