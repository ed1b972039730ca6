package broker

import "github.com/quaybridge/pbmapper/internal/protocol"

// serverRegistry maps a service key to the ordered list of RemoteConnIDs
// currently registered under it. A key may have more than one registered
// connection (multiple service-agent replicas sharing a key); Subscribe
// dispatches against the most recently registered id first.
type serverRegistry struct {
	byKey map[string][]RemoteConnID

	// sessionKeys holds the per-key AES-256-GCM session key handed to both
	// ends of every stream carrier opened for that key. It is generated
	// once, on the key's first codec-enabled registration, and survives
	// individual service-agent connections coming and going under the same
	// key. A key registered with needCodec false has no entry here and its
	// stream carriers run in plaintext.
	sessionKeys map[string][protocol.AesKeySize]byte
}

func newServerRegistry() *serverRegistry {
	return &serverRegistry{
		byKey:       make(map[string][]RemoteConnID),
		sessionKeys: make(map[string][protocol.AesKeySize]byte),
	}
}

// register appends id to key's connection list, minting a session key for
// key on its first codec-enabled registration. The returned bool reports
// whether the key has a session key at all; with needCodec false and no
// earlier codec-enabled replica, it does not, and no key is issued. On a
// key-generation failure nothing is recorded, so the caller can back the
// registration out cleanly.
func (r *serverRegistry) register(key string, id RemoteConnID, needCodec bool) ([protocol.AesKeySize]byte, bool, error) {
	sk, ok := r.sessionKeys[key]
	if !ok && needCodec {
		var err error
		sk, err = protocol.GenerateSessionKey()
		if err != nil {
			return sk, false, err
		}
		r.sessionKeys[key] = sk
		ok = true
	}
	r.byKey[key] = append(r.byKey[key], id)
	return sk, ok, nil
}

// sessionKey returns the session key for key, if any registration exists.
func (r *serverRegistry) sessionKey(key string) ([protocol.AesKeySize]byte, bool) {
	sk, ok := r.sessionKeys[key]
	return sk, ok
}

// deregister removes id from key's connection list, dropping the key
// entirely once its list empties. It is a no-op if id is not present.
func (r *serverRegistry) deregister(key string, id RemoteConnID) {
	ids, ok := r.byKey[key]
	if !ok {
		return
	}
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byKey, key)
		delete(r.sessionKeys, key)
	} else {
		r.byKey[key] = ids
	}
}

// lookup returns the connection ids registered under key, most-recent first.
func (r *serverRegistry) lookup(key string) ([]RemoteConnID, bool) {
	ids, ok := r.byKey[key]
	if !ok || len(ids) == 0 {
		return nil, false
	}
	out := make([]RemoteConnID, len(ids))
	for i := range ids {
		out[i] = ids[len(ids)-1-i]
	}
	return out, true
}

// keys returns every registered key; order is unspecified.
func (r *serverRegistry) keys() []string {
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	return out
}

// snapshot renders the registry contents for the supplemented raw status
// dump (SPEC_FULL.md §4.1).
func (r *serverRegistry) snapshot() map[string][]RemoteConnID {
	out := make(map[string][]RemoteConnID, len(r.byKey))
	for k, ids := range r.byKey {
		cp := make([]RemoteConnID, len(ids))
		copy(cp, ids)
		out[k] = cp
	}
	return out
}
