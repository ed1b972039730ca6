package forward

import (
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/protocol"
)

// BridgeStream bridges a raw connection (the private-service leg) with a
// broker-facing connection, optionally wrapping the broker leg in the
// framed AEAD codec. With codec == nil this is exactly Bridge: a plain
// bidirectional io.Copy. With codec set, the raw leg's bytes are chunked
// through the dynamic-buffer policy and each chunk becomes one encrypted
// frame on the broker leg, and vice versa; AES-GCM needs message
// boundaries to seal/open, so encrypted forwarding cannot be plain
// io.Copy the way the plaintext path is.
func BridgeStream(log *zap.Logger, raw, broker net.Conn, codec *protocol.Codec) error {
	if codec == nil {
		return Bridge(log, raw, broker)
	}

	reader := protocol.NewBufferedReader(raw)
	writer := protocol.NewEncryptedMessageWriter(broker, codec)
	msgReader := protocol.NewEncryptedMessageReader(broker, codec)

	done := make(chan error, 2)

	go func() {
		for {
			chunk, err := reader.Read()
			if err != nil {
				done <- err
				return
			}
			if err := writer.WriteMsg(chunk); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		for {
			msg, err := msgReader.ReadMsg()
			if err != nil {
				done <- err
				return
			}
			if _, err := raw.Write(msg); err != nil {
				done <- err
				return
			}
		}
	}()

	first := <-done
	closeErr := multierr.Append(raw.Close(), broker.Close())
	<-done

	if first != nil && !IsExpectedDisconnect(first) {
		log.Debug("encrypted stream forward: ended", zap.Error(first))
	}
	return multierr.Append(first, closeErr)
}
