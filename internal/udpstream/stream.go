package udpstream

import (
	"net"
	"sync"
	"time"
)

// Stream is one peer's pseudo-connection over a shared net.PacketConn: a
// bounded inbound datagram queue plus writes that go straight to the
// shared socket with an explicit destination address. Each Stream carries
// its own idle timer, reset on every completed read, independent of every
// other peer sharing the socket.
type Stream struct {
	pc   net.PacketConn
	addr net.Addr
	in   chan []byte

	idleTimeout time.Duration
	cleanup     chan<- string

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(pc net.PacketConn, addr net.Addr, idleTimeout time.Duration, cleanup chan<- string) *Stream {
	return &Stream{
		pc:          pc,
		addr:        addr,
		in:          make(chan []byte, peerQueueCap),
		idleTimeout: idleTimeout,
		cleanup:     cleanup,
		closed:      make(chan struct{}),
	}
}

// RemoteAddr returns the peer address this pseudo-stream demultiplexes.
func (s *Stream) RemoteAddr() net.Addr { return s.addr }

// Read blocks until the next datagram arrives for this peer, the idle
// timeout elapses (returning ErrTimedOut), or the stream is closed.
func (s *Stream) Read() ([]byte, error) {
	timer := time.NewTimer(s.idleTimeout)
	defer timer.Stop()
	select {
	case data := <-s.in:
		return data, nil
	case <-timer.C:
		return nil, ErrTimedOut
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

// Write sends one datagram to this peer's address over the shared socket.
func (s *Stream) Write(b []byte) (int, error) {
	return s.pc.WriteTo(b, s.addr)
}

// Close signals the owning Listener to stop routing datagrams to this peer
// and erase it from the peer map, then releases the stream's own resources.
// It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		select {
		case s.cleanup <- s.addr.String():
		default:
		}
	})
	return nil
}
