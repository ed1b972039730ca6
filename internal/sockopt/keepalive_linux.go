//go:build linux

// Package sockopt sets TCP keepalive parameters the standard library does
// not expose directly (the probe count, as opposed to idle time and
// interval, which net.TCPConn does support since Go 1.21).
package sockopt

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// SetKeepAlive enables TCP keepalive on conn with the given idle time,
// probe interval and probe count. Non-TCP connections are left untouched.
func SetKeepAlive(conn net.Conn, idle, interval time.Duration, count int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	if err := tc.SetKeepAlivePeriod(idle); err != nil {
		return err
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); e != nil {
			sockErr = e
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
	})
	if err != nil {
		return err
	}
	return sockErr
}
