package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestStatusHub_PollAndBroadcast(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	// Seed one registration through the live task channel.
	server := make(connSender, 8)
	m.TaskSender() <- taskRegister{Key: "echo", ConnID: 1, NeedCodec: true, Sender: server}
	select {
	case <-server:
	case <-time.After(5 * time.Second):
		t.Fatal("no RegisterResp")
	}

	hub := NewStatusHub(m, nil)
	snap, err := hub.poll(1234)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(snap, &decoded); err != nil {
		t.Fatalf("snapshot is not JSON: %v", err)
	}
	if decoded.TakenAt != 1234 {
		t.Errorf("TakenAt = %d, want 1234", decoded.TakenAt)
	}
	if len(decoded.Keys) != 1 || decoded.Keys[0] != "echo" {
		t.Errorf("Keys = %v, want [echo]", decoded.Keys)
	}
	if decoded.ServerMap == "" {
		t.Error("empty server map in snapshot")
	}

	// Fan-out reaches subscribers; slow subscribers are skipped, not blocked.
	ch, unregister := hub.Subscribe()
	defer unregister()
	hub.broadcast(testLogger(), snap)
	select {
	case got := <-ch:
		if string(got) != string(snap) {
			t.Error("subscriber received a different snapshot")
		}
	default:
		t.Error("subscriber channel empty after broadcast")
	}
}
