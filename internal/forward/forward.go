// Package forward bridges two already-established connections, copying
// bytes in both directions until either side closes or errors.
package forward

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/metrics"
)

// Bridge copies data between a and b in both directions and returns once
// either half finishes, closing both connections. Errors that represent an
// ordinary peer disconnect are not logged as failures.
func Bridge(log *zap.Logger, a, b net.Conn) error {
	done := make(chan error, 2)

	go func() {
		n, err := io.Copy(a, b)
		metrics.BridgedBytesTotal.WithLabelValues("downstream").Add(float64(n))
		done <- err
	}()
	go func() {
		n, err := io.Copy(b, a)
		metrics.BridgedBytesTotal.WithLabelValues("upstream").Add(float64(n))
		done <- err
	}()

	first := <-done
	closeErr := multierr.Append(a.Close(), b.Close())
	<-done // wait for the other half to unblock from the close

	if first != nil && !IsExpectedDisconnect(first) {
		log.Debug("forward: copy ended", zap.Error(first))
	}
	return multierr.Append(first, closeErr)
}

// IsExpectedDisconnect reports whether err is the ordinary shape a
// connection takes when the remote peer goes away first: EOF, a reset or
// abort, a read/write on an already-closed connection, or a timeout.
// Anything else is a real transport failure worth surfacing. String
// matching covers variants surfaced pre-wrapped from the opposite peer.
func IsExpectedDisconnect(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection abort") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "idle timeout") ||
		strings.Contains(msg, "use of closed network connection")
}
