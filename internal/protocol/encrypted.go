package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quaybridge/pbmapper/internal/buffer"
)

const tagLen = 16

// EncryptedMessageReader reads AEAD-sealed frames: an 8-byte header
// (checksum over the plaintext length, ciphertext length), a 16-byte GCM
// tag, then the ciphertext body. It opens each frame with codec before
// returning it, advancing codec's open-direction nonce counter in lockstep
// with whatever sealed it.
type EncryptedMessageReader struct {
	r     io.Reader
	codec *Codec
	fx    *buffer.Fixed
	hdr   [headerLen]byte
	tag   [tagLen]byte
}

// NewEncryptedMessageReader wraps r, decrypting every frame with codec.
func NewEncryptedMessageReader(r io.Reader, codec *Codec) *EncryptedMessageReader {
	return &EncryptedMessageReader{r: r, codec: codec, fx: buffer.NewFixed()}
}

// ReadMsg reads one sealed frame and returns its decrypted body. The
// returned slice is owned by the reader and invalidated by the next call.
func (m *EncryptedMessageReader) ReadMsg() ([]byte, error) {
	if _, err := io.ReadFull(m.r, m.hdr[:]); err != nil {
		return nil, fmt.Errorf("protocol: read encrypted header: %w", err)
	}
	checksum := binary.BigEndian.Uint32(m.hdr[0:4])
	datalen := binary.BigEndian.Uint32(m.hdr[4:8])
	if !validChecksum(datalen, checksum) {
		return nil, ErrChecksumMismatch
	}
	if datalen > MaxMessageLen {
		return nil, &ErrMessageTooLarge{Actual: datalen, Max: MaxMessageLen}
	}
	if _, err := io.ReadFull(m.r, m.tag[:]); err != nil {
		return nil, fmt.Errorf("protocol: read tag: %w", err)
	}
	body := m.fx.Resize(int(datalen) + tagLen)
	copy(body[datalen:], m.tag[:])
	if _, err := io.ReadFull(m.r, body[:datalen]); err != nil {
		return nil, fmt.Errorf("protocol: read encrypted body: %w", err)
	}
	plain, err := m.codec.Decrypt(body)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// EncryptedMessageWriter writes AEAD-sealed frames using codec, advancing
// its seal-direction nonce counter once per write.
type EncryptedMessageWriter struct {
	w     io.Writer
	codec *Codec
	hdr   [headerLen]byte
	buf   []byte
}

// NewEncryptedMessageWriter wraps w, sealing every frame with codec.
func NewEncryptedMessageWriter(w io.Writer, codec *Codec) *EncryptedMessageWriter {
	return &EncryptedMessageWriter{w: w, codec: codec}
}

// WriteMsg seals msg and writes it as one frame: header (checksum over the
// plaintext length, plaintext length), tag, ciphertext.
func (m *EncryptedMessageWriter) WriteMsg(msg []byte) error {
	plainLen := DataLen(len(msg))
	if cap(m.buf) < len(msg) {
		m.buf = make([]byte, len(msg))
	}
	m.buf = m.buf[:len(msg)]
	copy(m.buf, msg)

	sealed := m.codec.Encrypt(m.buf)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	binary.BigEndian.PutUint32(m.hdr[0:4], checksumFor(plainLen))
	binary.BigEndian.PutUint32(m.hdr[4:8], plainLen)
	if _, err := m.w.Write(m.hdr[:]); err != nil {
		return fmt.Errorf("protocol: write encrypted header: %w", err)
	}
	if _, err := m.w.Write(tag); err != nil {
		return fmt.Errorf("protocol: write tag: %w", err)
	}
	if _, err := m.w.Write(ciphertext); err != nil {
		return fmt.Errorf("protocol: write ciphertext: %w", err)
	}
	return nil
}
