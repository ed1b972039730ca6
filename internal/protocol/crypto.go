package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// AesKeySize is the size in bytes of a session AEAD key (AES-256).
const AesKeySize = 32

// GenerateSessionKey returns a fresh random 32-byte AES-256 key. The broker
// mints one per service key, on that key's first codec-enabled registration,
// and hands the same key to both the service agent and the gateway agent in
// its Register/Subscribe/Stream responses.
func GenerateSessionKey() ([AesKeySize]byte, error) {
	var key [AesKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("protocol: generate session key: %w", err)
	}
	return key, nil
}

// counterNonce derives a monotonically advancing 12-byte AEAD nonce by
// packing a 4-byte big-endian counter into the nonce's low bytes. Reusing a
// single counter across the life of a Codec guarantees a nonce is never
// reused for a given key, which AES-GCM requires for security.
type counterNonce struct {
	counter uint32
	buf     [12]byte
}

func (n *counterNonce) next() []byte {
	binary.BigEndian.PutUint32(n.buf[8:], n.counter)
	n.counter++
	return n.buf[:]
}

// Codec encrypts and decrypts frame bodies with AES-256-GCM, authenticating
// no additional data (the frame header already carries its own checksum).
// The seal and open directions each keep an independent nonce counter,
// mirroring two peers that each start counting from zero on their own
// outgoing direction; a Codec is safe to use for a full duplex session as
// long as frames on each direction are processed in send order.
type Codec struct {
	aead      cipher.AEAD
	sealNonce counterNonce
	openNonce counterNonce
}

// NewCodec constructs a Codec from a 32-byte AES-256 key.
func NewCodec(key [AesKeySize]byte) (*Codec, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("protocol: new aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("protocol: new gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext in place, appending the authentication tag, and
// advances this Codec's seal-direction nonce counter.
func (c *Codec) Encrypt(plaintext []byte) []byte {
	nonce := c.sealNonce.next()
	return c.aead.Seal(plaintext[:0], nonce, plaintext, nil)
}

// Decrypt opens ciphertext (body + trailing tag) in place using the next
// expected nonce on this Codec's open-direction counter. The peer that
// encrypted the frame must have used its own seal counter in the same
// monotonic order.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	nonce := c.openNonce.next()
	out, err := c.aead.Open(ciphertext[:0], nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: decrypt: %w", err)
	}
	return out, nil
}
