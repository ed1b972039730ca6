//go:build !linux

package sockopt

import (
	"net"
	"time"
)

// SetKeepAlive enables TCP keepalive on conn with the given idle time.
// The interval and count arguments are accepted for API parity with the
// Linux build but are not settable through the standard library on other
// platforms.
func SetKeepAlive(conn net.Conn, idle, _ time.Duration, _ int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	return tc.SetKeepAlivePeriod(idle)
}
