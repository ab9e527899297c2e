// Package engine keeps the connection to the scanning engine alive across
// engine restarts and turns transient socket failures into retries.
package engine

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/michaelscutari/avdug/internal/protocol"
)

// DefaultSocket is where the engine listens unless configured otherwise.
const DefaultSocket = "/var/run/avdug/engine.sock"

var errNotConnected = errors.New("not connected to scanning engine")

// Connection is one socket to the engine.
type Connection interface {
	// Connect replaces any existing socket with a fresh one.
	Connect() error
	Send(req *protocol.ScanRequest) error
	// Receive reads one response. ready is called before every read of the
	// socket and returns once data is available; its error ends the read.
	Receive(ready func() error) (*protocol.ScanResponse, error)
	// Fd returns the pollable descriptor, or -1 when disconnected.
	Fd() int
	Close() error
}

// UnixConnection talks to the engine over a unix stream socket.
type UnixConnection struct {
	path string
	conn *net.UnixConn
	fd   int
}

// NewUnixConnection creates a disconnected connection to path.
func NewUnixConnection(path string) *UnixConnection {
	return &UnixConnection{path: path, fd: -1}
}

func (c *UnixConnection) Connect() error {
	c.Close()
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: c.path, Net: "unix"})
	if err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return err
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn
	c.fd = fd
	return nil
}

func (c *UnixConnection) Send(req *protocol.ScanRequest) error {
	if c.conn == nil {
		return errNotConnected
	}
	return protocol.WriteRequest(c.conn, req)
}

func (c *UnixConnection) Receive(ready func() error) (*protocol.ScanResponse, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}
	return protocol.ReadResponse(&gatedReader{conn: c.conn, ready: ready})
}

// gatedReader calls ready before each read of conn.
type gatedReader struct {
	conn  io.Reader
	ready func() error
}

func (r *gatedReader) Read(p []byte) (int, error) {
	if r.ready != nil {
		if err := r.ready(); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

func (c *UnixConnection) Fd() int {
	return c.fd
}

func (c *UnixConnection) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.fd = -1
	return err
}

// ExchangeError is a failed send or receive. The wrapper retries these.
type ExchangeError struct {
	Op  string
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}
