package network

import (
	"net"
	"sync"
)

// deviceConn owns the socket of one registered device. Writes are
// serialized so broadcast and unicast sends never interleave frames.
type deviceConn struct {
	conn net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newDeviceConn(conn net.Conn) *deviceConn {
	return &deviceConn{conn: conn}
}

func (c *deviceConn) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, payload)
}

// close is safe to call from the read loop, the heartbeat sweep, and
// shutdown concurrently; only the first call closes the socket.
func (c *deviceConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
