package h4

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// deadlineConn bounds every read and write of the embedded connection.
// An expired read surfaces as a net.Error with Timeout() set.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, errors.Wrap(err, "can't set read deadline")
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, errors.Wrap(err, "can't set write deadline")
	}
	return c.Conn.Write(b)
}
