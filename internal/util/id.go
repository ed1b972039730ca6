// Package util provides small process-wide helpers shared by the broker,
// service agent and gateway agent: correlation-id generation (ULID), used
// to tag log lines for a given accepted connection independent of its
// numeric RemoteConnID.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy *ulid.MonotonicEntropy

func init() {
	var seed int64
	_ = binaryRead(rand.Reader, &seed)
	entropy = ulid.Monotonic(mrand.New(mrand.NewSource(seed)), 0)
}

// New returns a new ULID string or error.
func New() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew panics on failure (entropy read errors).
func MustNew() string {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s
}

func binaryRead(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.BigEndian, v)
}
