package broker

// connTable maps a registered connection id to the channel its handler
// goroutine drains for tasks addressed to it.
type connTable struct {
	byID map[RemoteConnID]connSender
}

func newConnTable() *connTable {
	return &connTable{byID: make(map[RemoteConnID]connSender)}
}

func (t *connTable) signUp(id RemoteConnID, sender connSender) {
	t.byID[id] = sender
}

func (t *connTable) sender(id RemoteConnID) (connSender, bool) {
	s, ok := t.byID[id]
	return s, ok
}

func (t *connTable) remove(id RemoteConnID) {
	delete(t.byID, id)
}
