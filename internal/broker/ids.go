// Package broker implements the rendezvous server: a single-owner task
// center that tracks which service-agent connections are registered under
// which keys, and brokers Subscribe/Stream requests between service agents
// and gateway agents.
package broker

// RemoteConnID identifies a single accepted connection on the broker. IDs
// are assigned in increasing order starting at zero and recycled through a
// free list once a connection is deregistered.
type RemoteConnID uint32

// idProvider hands out RemoteConnIDs, preferring recycled ids from a free
// list before minting a new one, matching the pedestal id-allocation scheme:
// an id is valid as long as it is less than the next never-yet-assigned id.
type idProvider struct {
	next RemoteConnID
	free []RemoteConnID
}

func newIDProvider() *idProvider {
	return &idProvider{}
}

// nextID mints a fresh id.
func (p *idProvider) nextID() RemoteConnID {
	id := p.next
	p.next++
	return id
}

// acquire returns a connection id for a newly accepted connection, reusing a
// freed id when one is available.
func (p *idProvider) acquire() RemoteConnID {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		if p.isValid(id) {
			return id
		}
		// A corrupted free-list entry should never happen; fall back to
		// minting rather than handing out a bogus id.
		return p.nextID()
	}
	return p.nextID()
}

// release returns id to the free list for future reuse.
func (p *idProvider) release(id RemoteConnID) {
	p.free = append(p.free, id)
}

// isValid reports whether id has ever been minted by this provider.
func (p *idProvider) isValid(id RemoteConnID) bool {
	return id < p.next
}
