package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quaybridge/pbmapper/internal/buffer"
)

// header carries the checksum and datalen fields, 4 bytes each, big-endian,
// ahead of every frame body.
const headerLen = 8

// MessageReader reads length-prefixed frame bodies off a stream.
type MessageReader struct {
	r   io.Reader
	fx  *buffer.Fixed
	hdr [headerLen]byte
}

// NewMessageReader wraps r with the framed-message protocol.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{r: r, fx: buffer.NewFixed()}
}

// ReadMsg reads one frame and returns its body. The returned slice is owned
// by the reader and is invalidated by the next call to ReadMsg.
func (m *MessageReader) ReadMsg() ([]byte, error) {
	datalen, err := m.readLen()
	if err != nil {
		return nil, err
	}
	body := m.fx.Resize(int(datalen))
	if _, err := io.ReadFull(m.r, body); err != nil {
		return nil, fmt.Errorf("protocol: read body: %w", err)
	}
	return body, nil
}

func (m *MessageReader) readLen() (DataLen, error) {
	if _, err := io.ReadFull(m.r, m.hdr[:]); err != nil {
		return 0, fmt.Errorf("protocol: read header: %w", err)
	}
	checksum := binary.BigEndian.Uint32(m.hdr[0:4])
	datalen := binary.BigEndian.Uint32(m.hdr[4:8])
	if !validChecksum(datalen, checksum) {
		return 0, ErrChecksumMismatch
	}
	if datalen > MaxMessageLen {
		return 0, &ErrMessageTooLarge{Actual: datalen, Max: MaxMessageLen}
	}
	return datalen, nil
}

// MessageWriter writes length-prefixed frames to a stream.
type MessageWriter struct {
	w   io.Writer
	hdr [headerLen]byte
}

// NewMessageWriter wraps w with the framed-message protocol.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{w: w}
}

// WriteMsg writes one frame containing msg.
func (m *MessageWriter) WriteMsg(msg []byte) error {
	datalen := DataLen(len(msg))
	binary.BigEndian.PutUint32(m.hdr[0:4], checksumFor(datalen))
	binary.BigEndian.PutUint32(m.hdr[4:8], datalen)
	if _, err := m.w.Write(m.hdr[:]); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if _, err := m.w.Write(msg); err != nil {
		return fmt.Errorf("protocol: write body: %w", err)
	}
	return nil
}

// BufferedReader reads raw, unframed chunks of unknown size using the
// dynamic buffer growth policy; used for the end-user data path once a
// Stream has been established (the framing above only governs control
// messages and, optionally, encrypted data frames).
type BufferedReader struct {
	r   io.Reader
	dyn *buffer.Dynamic
}

// NewBufferedReader wraps r with dynamic-buffer reads.
func NewBufferedReader(r io.Reader) *BufferedReader {
	return &BufferedReader{r: r, dyn: buffer.NewDynamic()}
}

// Read returns the next chunk of raw bytes read from the underlying reader.
// The returned slice is owned by the reader and invalidated by the next call.
func (b *BufferedReader) Read() ([]byte, error) {
	buf := b.dyn.Bytes()
	n, err := b.r.Read(buf)
	if err != nil {
		return nil, err
	}
	b.dyn.Record(n)
	return buf[:n], nil
}
