package forward

import (
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/protocol"
)

// DatagramSide is the narrow interface a UDP pseudo-stream and a connected
// UDP socket both satisfy: read and write whole datagrams, with no notion
// of a stream boundary.
type DatagramSide interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
	Close() error
}

// FramedReader and FramedWriter are the two halves of the TCP leg of a
// datagram bridge: one message in, one message out, preserving the
// datagram's boundaries across the framed-message protocol. The protocol
// package's plain and encrypted reader/writer types satisfy one half each.
type FramedReader interface {
	ReadMsg() ([]byte, error)
}

type FramedWriter interface {
	WriteMsg([]byte) error
}

// BridgeDatagram bridges a UDP pseudo-stream (or any DatagramSide) with a
// framed TCP connection, preserving datagram boundaries: each datagram read
// from udp becomes one message on tcp, and each message read from tcp
// becomes one write on udp. It returns once either direction ends.
func BridgeDatagram(log *zap.Logger, udp DatagramSide, tcpReader FramedReader, tcpWriter FramedWriter, closeTCP func() error) error {
	done := make(chan error, 2)

	go func() {
		for {
			data, err := udp.Read()
			if err != nil {
				done <- err
				return
			}
			if err := tcpWriter.WriteMsg(data); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		for {
			msg, err := tcpReader.ReadMsg()
			if err != nil {
				done <- err
				return
			}
			if _, err := udp.Write(msg); err != nil {
				done <- err
				return
			}
		}
	}()

	first := <-done
	closeErr := multierr.Append(udp.Close(), closeTCP())
	<-done

	if first != nil && !isExpectedDatagramDisconnect(first) {
		log.Debug("datagram forward: ended", zap.Error(first))
	}
	return multierr.Append(first, closeErr)
}

func isExpectedDatagramDisconnect(err error) bool {
	if err == io.EOF {
		return true
	}
	if _, ok := err.(*protocol.ErrMessageTooLarge); ok {
		return false
	}
	return IsExpectedDisconnect(err)
}
