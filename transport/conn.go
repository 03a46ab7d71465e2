package transport

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// maxFDs is how many descriptors one read accepts.
const maxFDs = 4

// serverConn is an accepted rpc2 connection. Writes fail after writeTimeout,
// which closes the connection, and descriptors received with SCM_RIGHTS are
// queued for the request they came with.
type serverConn struct {
	net.Conn
	writeTimeout time.Duration

	oob     []byte
	fdsLock sync.Mutex
	fds     []int
}

func newServerConn(c net.Conn, writeTimeout time.Duration) *serverConn {
	return &serverConn{
		Conn:         c,
		writeTimeout: writeTimeout,
		oob:          make([]byte, unix.CmsgSpace(maxFDs*4)),
	}
}

func (c *serverConn) Read(p []byte) (int, error) {
	uc, ok := c.Conn.(*net.UnixConn)
	if !ok {
		return c.Conn.Read(p)
	}
	n, oobn, _, _, err := uc.ReadMsgUnix(p, c.oob)
	if oobn > 0 {
		c.collect(c.oob[:oobn])
	}
	return n, err
}

func (c *serverConn) collect(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	c.fdsLock.Lock()
	defer c.fdsLock.Unlock()
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fds = append(c.fds, fds...)
	}
}

// takeFD returns the oldest received descriptor. The caller must close it.
func (c *serverConn) takeFD() (int, bool) {
	c.fdsLock.Lock()
	defer c.fdsLock.Unlock()
	if len(c.fds) == 0 {
		return -1, false
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, true
}

func (c *serverConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// the peer stopped reading; a partial gob message cannot be resumed
		c.Conn.Close()
	}
	return n, err
}

func (c *serverConn) Close() error {
	c.fdsLock.Lock()
	for _, fd := range c.fds {
		unix.Close(fd)
	}
	c.fds = nil
	c.fdsLock.Unlock()
	return c.Conn.Close()
}

// clientConn sends descriptors attached with attach alongside the next write.
type clientConn struct {
	net.Conn

	lock    sync.Mutex
	pending []int
}

func (c *clientConn) attach(fd int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pending = append(c.pending, fd)
}

func (c *clientConn) detach() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pending = nil
}

func (c *clientConn) Write(p []byte) (int, error) {
	c.lock.Lock()
	fds := c.pending
	c.pending = nil
	c.lock.Unlock()
	uc, ok := c.Conn.(*net.UnixConn)
	if len(fds) == 0 || !ok {
		return c.Conn.Write(p)
	}
	n, _, err := uc.WriteMsgUnix(p, unix.UnixRights(fds...), nil)
	return n, err
}
