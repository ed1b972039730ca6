package resolver

import (
	"context"
	"testing"
	"time"
)

func TestResolve_LiteralAddressPassthrough(t *testing.T) {
	r := New()
	cases := []string{
		"127.0.0.1:7666",
		"[::1]:7666",
		"192.168.1.10:80",
	}
	for _, hostport := range cases {
		got, err := r.Resolve(context.Background(), hostport)
		if err != nil {
			t.Errorf("Resolve(%q): %v", hostport, err)
			continue
		}
		if got != hostport {
			t.Errorf("Resolve(%q) = %q, want unchanged", hostport, got)
		}
	}
}

func TestResolve_MalformedInput(t *testing.T) {
	r := New()
	for _, hostport := range []string{"no-port", "", ":::"} {
		if _, err := r.Resolve(context.Background(), hostport); err == nil {
			t.Errorf("Resolve(%q): expected error", hostport)
		}
	}
}

func TestResolveBlocking_LiteralAddress(t *testing.T) {
	r := New()
	got, err := r.ResolveBlocking("10.0.0.1:22", time.Second)
	if err != nil {
		t.Fatalf("ResolveBlocking: %v", err)
	}
	if got != "10.0.0.1:22" {
		t.Errorf("ResolveBlocking = %q, want unchanged", got)
	}
}

func TestResolve_RespectsCancelledContext(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A literal address never touches the network, so even a dead context
	// succeeds; a name that needs lookup must fail fast instead of hanging.
	if _, err := r.Resolve(ctx, "127.0.0.1:1"); err != nil {
		t.Errorf("literal with cancelled ctx: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_, _ = r.Resolve(ctx, "name.invalid:1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Resolve hung on a cancelled context")
	}
}
