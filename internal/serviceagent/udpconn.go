package serviceagent

import "net"

// udpConnAdapter adapts a connected *net.UDPConn to forward.DatagramSide's
// single-return Read/Write shape.
type udpConnAdapter struct {
	conn *net.UDPConn
	buf  []byte
}

func newUDPConnAdapter(conn *net.UDPConn) *udpConnAdapter {
	return &udpConnAdapter{conn: conn, buf: make([]byte, 64*1024)}
}

func (u *udpConnAdapter) Read() ([]byte, error) {
	n, err := u.conn.Read(u.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), u.buf[:n]...), nil
}

func (u *udpConnAdapter) Write(b []byte) (int, error) {
	return u.conn.Write(b)
}

func (u *udpConnAdapter) Close() error {
	return u.conn.Close()
}
