package broker

import (
	"testing"

	"go.uber.org/zap"
)

// drain pops one pending connTask or fails the test.
func drain(t *testing.T, sender connSender) connTask {
	t.Helper()
	select {
	case task := <-sender:
		return task
	default:
		t.Fatal("no conn task pending")
		return nil
	}
}

func TestManager_RegisterAndSubscribePairsNewestFirst(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	older := make(connSender, 8)
	newer := make(connSender, 8)
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 1, NeedCodec: true, Sender: older})
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 2, NeedCodec: true, Sender: newer})

	oldResp, ok := drain(t, older).(taskRegisterResp)
	if !ok {
		t.Fatal("older server: no RegisterResp")
	}
	newResp, ok := drain(t, newer).(taskRegisterResp)
	if !ok {
		t.Fatal("newer server: no RegisterResp")
	}
	if oldResp.SessionKey != newResp.SessionKey {
		t.Error("replicas of one key must share a session key")
	}

	client := make(connSender, 8)
	m.dispatch(log, taskSubscribe{Key: "echo", ConnID: 3, Sender: client})

	// The newest registration is asked for the stream.
	push, ok := drain(t, newer).(taskStreamReq)
	if !ok {
		t.Fatal("newest server: no StreamReq push")
	}
	if push.ClientID != 3 {
		t.Errorf("StreamReq.ClientID = %d, want 3", push.ClientID)
	}
	sub, ok := drain(t, client).(taskSubscribeResp)
	if !ok {
		t.Fatal("client: no SubscribeResp")
	}
	if sub.ServerID != 2 {
		t.Errorf("SubscribeResp.ServerID = %d, want 2", sub.ServerID)
	}
	if sub.SessionKey != newResp.SessionKey {
		t.Error("SubscribeResp carries a different session key than Register did")
	}
}

func TestManager_SubscribeFallsBackToOlderServer(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	older := make(connSender, 8)
	newer := make(connSender, 8)
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 1, NeedCodec: true, Sender: older})
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 2, NeedCodec: true, Sender: newer})
	drain(t, older)
	drain(t, newer)

	// The newer server goes away; the next subscribe pairs with the older.
	m.dispatch(log, taskDeregisterServer{Key: "echo", ConnID: 2})

	client := make(connSender, 8)
	m.dispatch(log, taskSubscribe{Key: "echo", ConnID: 3, Sender: client})
	if _, ok := drain(t, older).(taskStreamReq); !ok {
		t.Fatal("older server: no StreamReq after newer deregistered")
	}
	sub, ok := drain(t, client).(taskSubscribeResp)
	if !ok {
		t.Fatal("client: no SubscribeResp")
	}
	if sub.ServerID != 1 {
		t.Errorf("SubscribeResp.ServerID = %d, want 1", sub.ServerID)
	}
}

func TestManager_SubscribeUnknownKeyFails(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	client := make(connSender, 8)
	m.dispatch(log, taskSubscribe{Key: "missing", ConnID: 0, Sender: client})
	if _, ok := drain(t, client).(taskFail); !ok {
		t.Fatal("client: expected taskFail for unknown key")
	}
}

func TestManager_SubscribeFullServerQueueFallsThrough(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	older := make(connSender, 8)
	// One slot, and the register reply is left in it: the later stream
	// push finds the channel full.
	full := make(connSender, 1)
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 1, NeedCodec: true, Sender: older})
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 2, NeedCodec: true, Sender: full})
	drain(t, older)

	client := make(connSender, 8)
	m.dispatch(log, taskSubscribe{Key: "echo", ConnID: 3, Sender: client})

	// First-usable pairing skipped the stuck newest server.
	if _, ok := drain(t, older).(taskStreamReq); !ok {
		t.Fatal("older server: no StreamReq after newest was skipped")
	}
	sub, ok := drain(t, client).(taskSubscribeResp)
	if !ok {
		t.Fatal("client: no SubscribeResp")
	}
	if sub.ServerID != 1 {
		t.Errorf("SubscribeResp.ServerID = %d, want 1", sub.ServerID)
	}
}

func TestManager_NeedCodecOffIssuesNoKey(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	server := make(connSender, 8)
	m.dispatch(log, taskRegister{Key: "plain", ConnID: 1, NeedCodec: false, Sender: server})
	reg, ok := drain(t, server).(taskRegisterResp)
	if !ok {
		t.Fatal("no RegisterResp")
	}
	if reg.HasKey {
		t.Error("RegisterResp carries a session key despite need_codec off")
	}

	client := make(connSender, 8)
	m.dispatch(log, taskSubscribe{Key: "plain", ConnID: 2, Sender: client})
	drain(t, server) // the stream push
	sub, ok := drain(t, client).(taskSubscribeResp)
	if !ok {
		t.Fatal("no SubscribeResp")
	}
	if sub.HasKey {
		t.Error("SubscribeResp carries a session key despite need_codec off")
	}

	carrier := make(connSender, 8)
	m.dispatch(log, taskStreamKey{Key: "plain", Sender: carrier})
	carrierResp, ok := drain(t, carrier).(taskStreamCarrierResp)
	if !ok {
		t.Fatal("no carrier response for a registered plaintext key")
	}
	if carrierResp.HasKey {
		t.Error("carrier response carries a session key despite need_codec off")
	}
}

func TestManager_StatusSnapshots(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	server := make(connSender, 8)
	m.dispatch(log, taskRegister{Key: "echo", ConnID: 1, NeedCodec: true, Sender: server})
	drain(t, server)

	keys := make(connSender, 8)
	m.dispatch(log, taskStatus{Sender: keys, Req: "keys"})
	kresp, ok := drain(t, keys).(taskStatusResp)
	if !ok {
		t.Fatal("no StatusResp for keys query")
	}
	if len(kresp.Keys) != 1 || kresp.Keys[0] != "echo" {
		t.Errorf("Keys = %v, want [echo]", kresp.Keys)
	}

	remote := make(connSender, 8)
	m.dispatch(log, taskStatus{Sender: remote, Req: "remote_id"})
	rresp, ok := drain(t, remote).(taskStatusResp)
	if !ok || rresp.RemoteID == nil {
		t.Fatal("no remote-id StatusResp")
	}
	if rresp.RemoteID.ServerMap == "" || rresp.RemoteID.Active == "" {
		t.Errorf("incomplete remote-id payload: %+v", rresp.RemoteID)
	}
}

// checkConsistency asserts the registry invariant: every registered
// id is in the conn table, and every free-list id is below next and absent
// from the conn table.
func checkConsistency(t *testing.T, m *Manager) {
	t.Helper()
	for key, ids := range m.registry.byKey {
		for _, id := range ids {
			if _, ok := m.conns.sender(id); !ok {
				t.Errorf("registry id %d under %q missing from conn table", id, key)
			}
		}
	}
	for _, id := range m.ids.free {
		if id >= m.ids.next {
			t.Errorf("free id %d >= next %d", id, m.ids.next)
		}
		if _, ok := m.conns.sender(id); ok {
			t.Errorf("free id %d still in conn table", id)
		}
	}
}

func TestManager_RegistryConsistencyAcrossLifecycle(t *testing.T) {
	m := NewManager()
	log := zap.NewNop()

	server := make(connSender, 8)
	client := make(connSender, 8)

	serverID := m.ids.acquire()
	m.dispatch(log, taskRegister{Key: "echo", ConnID: serverID, NeedCodec: true, Sender: server})
	checkConsistency(t, m)

	clientID := m.ids.acquire()
	m.dispatch(log, taskSubscribe{Key: "echo", ConnID: clientID, Sender: client})
	checkConsistency(t, m)

	carrierID := m.ids.acquire()
	m.dispatch(log, taskDeregisterClient{ServerID: &carrierID, ClientID: clientID})
	checkConsistency(t, m)

	m.dispatch(log, taskDeregisterServer{Key: "echo", ConnID: serverID})
	checkConsistency(t, m)

	if len(m.conns.byID) != 0 {
		t.Errorf("conn table not empty after full teardown: %v", m.conns.byID)
	}
	if len(m.ids.free) != 3 {
		t.Errorf("free list has %d ids, want 3", len(m.ids.free))
	}
}
