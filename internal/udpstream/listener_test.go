package udpstream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newTestListener(t *testing.T, idle time.Duration) (*Listener, context.Context) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", idle)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ln.Serve(ctx)
	return ln, ctx
}

func dialPeer(t *testing.T, ln *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("udp", ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestListener_AcceptAndEcho(t *testing.T) {
	ln, ctx := newTestListener(t, 0)
	peer := dialPeer(t, ln)

	if _, err := peer.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	acceptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, err := stream.Read()
	if err != nil {
		t.Fatalf("stream.Read: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("Read = %q, want ping", got)
	}

	// Replies travel back through the shared socket to the peer address.
	if _, err := stream.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("peer got %q, want pong", buf[:n])
	}
}

func TestListener_PreservesDatagramBoundaries(t *testing.T) {
	ln, ctx := newTestListener(t, 0)
	peer := dialPeer(t, ln)

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := peer.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
	}

	acceptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := stream.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != want {
			t.Errorf("Read = %q, want %q", got, want)
		}
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	ln, ctx := newTestListener(t, 50*time.Millisecond)
	peer := dialPeer(t, ln)

	if _, err := peer.Write([]byte("only one")); err != nil {
		t.Fatal(err)
	}
	acceptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Read(); err != nil {
		t.Fatalf("first Read: %v", err)
	}

	// No further datagrams: the next read must time out.
	if _, err := stream.Read(); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("second Read = %v, want ErrTimedOut", err)
	}
}

func TestListener_ClosedStreamPeerIsReaccepted(t *testing.T) {
	ln, ctx := newTestListener(t, 0)
	peer := dialPeer(t, ln)

	if _, err := peer.Write([]byte("first")); err != nil {
		t.Fatal(err)
	}
	acceptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = stream.Read()
	_ = stream.Close()

	// Give the serve loop a moment to process the cleanup message, then a
	// fresh datagram from the same peer must surface as a new stream.
	time.Sleep(100 * time.Millisecond)
	if _, err := peer.Write([]byte("second")); err != nil {
		t.Fatal(err)
	}
	stream2, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("re-accept after close: %v", err)
	}
	got, err := stream2.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("Read = %q, want second", got)
	}
}
