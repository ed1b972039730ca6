package forward

import (
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/protocol"
)

// chanDatagramSide is an in-memory DatagramSide for exercising the bridge
// without a real UDP socket.
type chanDatagramSide struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newChanDatagramSide() *chanDatagramSide {
	return &chanDatagramSide{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *chanDatagramSide) Read() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *chanDatagramSide) Write(b []byte) (int, error) {
	select {
	case c.out <- append([]byte(nil), b...):
		return len(b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *chanDatagramSide) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func TestBridgeDatagram_PreservesBoundaries(t *testing.T) {
	udp := newChanDatagramSide()
	tcpNear, tcpFar := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- BridgeDatagram(zap.NewNop(), udp,
			protocol.NewMessageReader(tcpNear), protocol.NewMessageWriter(tcpNear), tcpNear.Close)
	}()

	farReader := protocol.NewMessageReader(tcpFar)
	farWriter := protocol.NewMessageWriter(tcpFar)

	// Each datagram becomes exactly one frame, even back-to-back.
	udp.in <- []byte("one")
	udp.in <- []byte("two")
	for _, want := range []string{"one", "two"} {
		msg, err := farReader.ReadMsg()
		if err != nil {
			t.Fatalf("far read: %v", err)
		}
		if string(msg) != want {
			t.Fatalf("far got %q, want %q", msg, want)
		}
	}

	// Each frame becomes exactly one datagram.
	go func() { _ = farWriter.WriteMsg([]byte("back")) }()
	select {
	case d := <-udp.out:
		if string(d) != "back" {
			t.Fatalf("udp got %q, want back", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no datagram surfaced from the framed side")
	}

	// Closing the datagram side unwinds the bridge.
	_ = udp.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("BridgeDatagram did not return after close")
	}
}
