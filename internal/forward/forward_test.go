package forward

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/protocol"
)

// pipePair returns two connected net.Conn pairs wired so that writing to
// left comes out of a and writing to b comes out of right, i.e. Bridge(a, b)
// forwards left<->right.
func pipePair() (left, a, b, right net.Conn) {
	left, a = net.Pipe()
	b, right = net.Pipe()
	return
}

func TestBridge_CopiesBothDirections(t *testing.T) {
	left, a, b, right := pipePair()

	done := make(chan error, 1)
	go func() { done <- Bridge(zap.NewNop(), a, b) }()

	go func() {
		_, _ = left.Write([]byte("to the right"))
	}()
	buf := make([]byte, 64)
	_ = right.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := right.Read(buf)
	if err != nil {
		t.Fatalf("right read: %v", err)
	}
	if string(buf[:n]) != "to the right" {
		t.Fatalf("right got %q", buf[:n])
	}

	go func() {
		_, _ = right.Write([]byte("to the left"))
	}()
	_ = left.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err = left.Read(buf)
	if err != nil {
		t.Fatalf("left read: %v", err)
	}
	if string(buf[:n]) != "to the left" {
		t.Fatalf("left got %q", buf[:n])
	}

	// Closing one end unwinds the whole bridge.
	_ = left.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Bridge did not return after close")
	}
}

func TestBridgeStream_EncryptedRoundTrip(t *testing.T) {
	key, err := protocol.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}

	// Gateway side: raw local conn bridged to the broker with a codec.
	// Service side: peer codec decrypting what arrives.
	local, rawEnd := net.Pipe()
	brokerGW, brokerSvc := net.Pipe()

	gwCodec, _ := protocol.NewCodec(key)
	svcCodec, _ := protocol.NewCodec(key)

	done := make(chan error, 1)
	go func() { done <- BridgeStream(zap.NewNop(), rawEnd, brokerGW, gwCodec) }()

	// Raw bytes written at the local end must arrive as one sealed frame.
	go func() { _, _ = local.Write([]byte("secret payload")) }()
	svcReader := protocol.NewEncryptedMessageReader(brokerSvc, svcCodec)
	got, err := svcReader.ReadMsg()
	if err != nil {
		t.Fatalf("service read: %v", err)
	}
	if !bytes.Equal(got, []byte("secret payload")) {
		t.Fatalf("service got %q", got)
	}

	// And sealed frames from the service side surface as raw bytes.
	svcWriter := protocol.NewEncryptedMessageWriter(brokerSvc, svcCodec)
	go func() { _ = svcWriter.WriteMsg([]byte("reply")) }()
	buf := make([]byte, 64)
	_ = local.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := local.Read(buf)
	if err != nil {
		t.Fatalf("local read: %v", err)
	}
	if string(buf[:n]) != "reply" {
		t.Fatalf("local got %q", buf[:n])
	}

	_ = local.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("BridgeStream did not return after close")
	}
}

func TestIsExpectedDisconnect(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"net closed", net.ErrClosed, true},
		{"reset", errors.New("read tcp 1.2.3.4:1->5.6.7.8:2: connection reset by peer"), true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"refused", errors.New("connect: connection refused"), false},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsExpectedDisconnect(tc.err); got != tc.want {
			t.Errorf("%s: IsExpectedDisconnect = %v, want %v", tc.name, got, tc.want)
		}
	}
}
