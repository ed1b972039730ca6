// Package udpstream demultiplexes one shared net.PacketConn into per-peer
// pseudo-streams, so the forward engine can treat a UDP peer the same way
// it treats a TCP connection: Read/Write/Close on an object scoped to one
// remote address, with an idle timeout that fails reads once no datagram
// has arrived for a configurable window.
package udpstream

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/logging"
)

const (
	// recvBufSize is large enough for any realistic UDP datagram; UDP
	// datagrams larger than this are truncated by ReadFrom and the
	// truncated bytes are forwarded as they are.
	recvBufSize = 64 * 1024

	// peerQueueCap bounds the number of not-yet-read datagrams buffered
	// per peer before new arrivals are dropped rather than blocking the
	// shared accept loop.
	peerQueueCap = 100

	// DefaultIdleTimeout is the idle window before a pseudo-stream's Read
	// fails with a timeout, absent an explicit override.
	DefaultIdleTimeout = 20 * time.Second
)

// ErrTimedOut is returned by Stream.Read when no datagram arrives within
// the stream's idle window.
var ErrTimedOut = errors.New("udpstream: idle timeout")

type datagram struct {
	addr net.Addr
	data []byte
}

// Listener owns one net.PacketConn and demultiplexes inbound datagrams by
// source address into per-peer Streams, handed out through Accept. All
// mutation of peers happens on the single goroutine running Serve; reads
// from the socket happen on a second goroutine that only ever feeds a
// channel, never touching peers directly.
type Listener struct {
	pc          net.PacketConn
	idleTimeout time.Duration

	peers   map[string]*Stream
	inbound chan datagram
	cleanup chan string
	accept  chan *Stream

	done chan struct{}
}

// Listen binds a UDP socket at addr and returns a Listener ready to Accept
// pseudo-streams. Call Serve in a goroutine to start demultiplexing.
func Listen(addr string, idleTimeout time.Duration) (*Listener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Listener{
		pc:          pc,
		idleTimeout: idleTimeout,
		peers:       make(map[string]*Stream),
		inbound:     make(chan datagram, 256),
		cleanup:     make(chan string, 32),
		accept:      make(chan *Stream, 32),
		done:        make(chan struct{}),
	}, nil
}

// LocalAddr returns the address the shared socket is bound to.
func (l *Listener) LocalAddr() net.Addr { return l.pc.LocalAddr() }

// Accept returns the next newly observed peer's pseudo-stream, blocking
// until one arrives or ctx is cancelled.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s := <-l.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close shuts down the shared socket and stops Accept and Serve. Outstanding
// pseudo-streams are not closed: their Writes fail on the closed socket, and
// their Reads end only at the idle timeout or at the stream's own Close.
func (l *Listener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return l.pc.Close()
}

// Serve runs the demultiplexing loop until ctx is cancelled or the shared
// socket is closed. It must run on its own goroutine; it is the sole owner
// of the peers map.
func (l *Listener) Serve(ctx context.Context) {
	log := logging.Logger().Named("udpstream.listener")
	go l.recvLoop(log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case dg := <-l.inbound:
			l.dispatch(log, dg)
		case peer := <-l.cleanup:
			if _, ok := l.peers[peer]; ok {
				delete(l.peers, peer)
				log.Debug("reaped idle peer", zap.String("peer", peer))
			}
		}
	}
}

// recvLoop only ever reads the socket and feeds l.inbound; it never touches
// l.peers, so it carries no race with the Serve goroutine.
func (l *Listener) recvLoop(log *zap.Logger) {
	buf := make([]byte, recvBufSize)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			log.Warn("recv", zap.Error(err))
			return
		}
		cp := append([]byte(nil), buf[:n]...)
		select {
		case l.inbound <- datagram{addr: addr, data: cp}:
		case <-l.done:
			return
		}
	}
}

func (l *Listener) dispatch(log *zap.Logger, dg datagram) {
	key := dg.addr.String()
	if s, ok := l.peers[key]; ok {
		select {
		case s.in <- dg.data:
		default:
			log.Warn("dropping datagram to slow peer", zap.String("peer", key))
		}
		return
	}

	s := newStream(l.pc, dg.addr, l.idleTimeout, l.cleanup)
	l.peers[key] = s
	s.in <- dg.data

	select {
	case l.accept <- s:
	default:
		log.Warn("dropping new peer, accept queue full", zap.String("peer", key))
		delete(l.peers, key)
		_ = s.Close()
	}
}
