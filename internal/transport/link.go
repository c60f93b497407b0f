// Package transport owns the physical serial link and the synchronous
// request/response exchange on top of it: write one frame, feed
// incoming bytes to the codec until a frame decodes or the timeout
// budget runs out, resynchronize on corruption, retry the whole
// exchange under a bounded backoff policy.
package transport

import (
	"net"
	"time"
)

// Link is one exclusively-owned byte pipe to a device.
//
// Read follows serial-port semantics: it blocks up to the configured
// read timeout and returns (0, nil) when the timeout elapses with no
// data. Close must be safe to call more than once.
type Link interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	Close() error
}

// connLink adapts a net.Conn (net.Pipe in tests) to serial-port read
// semantics so the simulated device and the real port look identical
// to the session.
//
// Writes carry a fixed deadline. net.Pipe is fully synchronous, and
// without one two peers that both stop reading deadlock each other on
// write forever.
type connLink struct {
	conn         net.Conn
	timeout      time.Duration
	writeTimeout time.Duration
}

// NewConnLink wraps conn as a Link. Used with net.Pipe to run a
// simulated device in-process.
func NewConnLink(conn net.Conn) Link {
	return &connLink{conn: conn, timeout: time.Second, writeTimeout: 2 * time.Second}
}

// Pipe returns two connected in-memory links: one for the session,
// one for the simulated device.
func Pipe() (Link, Link) {
	a, b := net.Pipe()
	return NewConnLink(a), NewConnLink(b)
}

func (l *connLink) Read(p []byte) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(l.timeout)); err != nil {
		return 0, err
	}
	n, err := l.conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (l *connLink) Write(p []byte) (int, error) {
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return 0, err
	}
	return l.conn.Write(p)
}

func (l *connLink) SetReadTimeout(d time.Duration) error {
	l.timeout = d
	return nil
}

func (l *connLink) Close() error {
	return l.conn.Close()
}
