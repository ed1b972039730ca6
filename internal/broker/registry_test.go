package broker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestServerRegistry_LookupNewestFirst(t *testing.T) {
	r := newServerRegistry()
	if _, _, err := r.register("echo", 1, true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.register("echo", 2, true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.register("echo", 3, true); err != nil {
		t.Fatal(err)
	}

	ids, ok := r.lookup("echo")
	if !ok {
		t.Fatal("lookup miss for registered key")
	}
	if diff := cmp.Diff([]RemoteConnID{3, 2, 1}, ids); diff != "" {
		t.Errorf("lookup order (-want +got):\n%s", diff)
	}
}

func TestServerRegistry_SessionKeyStableAcrossReplicas(t *testing.T) {
	r := newServerRegistry()
	sk1, hasKey1, err := r.register("echo", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	sk2, hasKey2, err := r.register("echo", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if !hasKey1 || !hasKey2 {
		t.Fatal("codec-enabled registrations must carry a session key")
	}
	if sk1 != sk2 {
		t.Error("second registration under the same key minted a new session key")
	}

	// The key survives one replica leaving...
	r.deregister("echo", 2)
	sk3, ok := r.sessionKey("echo")
	if !ok || sk3 != sk1 {
		t.Error("session key lost while a replica is still registered")
	}

	// ...and is forgotten once the list empties.
	r.deregister("echo", 1)
	if _, ok := r.sessionKey("echo"); ok {
		t.Error("session key survived full deregistration")
	}
}

func TestServerRegistry_NeedCodecOff(t *testing.T) {
	r := newServerRegistry()
	_, hasKey, err := r.register("plain", 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if hasKey {
		t.Error("registration with needCodec off must not mint a session key")
	}
	if _, ok := r.sessionKey("plain"); ok {
		t.Error("sessionKey reports a key for a plaintext registration")
	}

	// A later codec-enabled replica under the same key mints one, and
	// every replica then shares it.
	_, hasKey, err = r.register("plain", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if !hasKey {
		t.Error("codec-enabled replica did not mint a session key")
	}
	if _, ok := r.sessionKey("plain"); !ok {
		t.Error("sessionKey missing after a codec-enabled registration")
	}
}

func TestServerRegistry_DeregisterRemovesOnlyOneID(t *testing.T) {
	r := newServerRegistry()
	_, _, _ = r.register("echo", 1, true)
	_, _, _ = r.register("echo", 2, true)

	// Deregistering the newer id leaves the older registration paired
	// with the key: a server is not one-shot.
	r.deregister("echo", 2)
	ids, ok := r.lookup("echo")
	if !ok {
		t.Fatal("key vanished while one id is still registered")
	}
	if diff := cmp.Diff([]RemoteConnID{1}, ids); diff != "" {
		t.Errorf("remaining ids (-want +got):\n%s", diff)
	}

	r.deregister("echo", 1)
	if _, ok := r.lookup("echo"); ok {
		t.Error("key must be absent once its id list empties")
	}
}

func TestServerRegistry_DeregisterUnknownIsNoop(t *testing.T) {
	r := newServerRegistry()
	r.deregister("missing", 9) // must not panic
	_, _, _ = r.register("echo", 1, true)
	r.deregister("echo", 42) // id not present under the key
	if ids, _ := r.lookup("echo"); len(ids) != 1 {
		t.Errorf("ids = %v, want [1]", ids)
	}
}

func TestServerRegistry_Snapshot(t *testing.T) {
	r := newServerRegistry()
	_, _, _ = r.register("echo", 1, true)
	_, _, _ = r.register("web", 2, true)

	snap := r.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d keys, want 2", len(snap))
	}
	// The snapshot is a copy: mutating it must not touch the registry.
	snap["echo"][0] = 99
	if ids, _ := r.lookup("echo"); ids[0] != 1 {
		t.Error("snapshot shares backing storage with the registry")
	}
}
