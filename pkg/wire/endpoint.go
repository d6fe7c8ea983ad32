// Package wire implements the length-prefixed binary framing used by every
// JM<->TM connection: typed reads/writes of int64 values, length-prefixed
// strings and blobs, each under an explicit deadline. All integers are
// encoded 8-byte little-endian two's complement; the implementation commits
// to this byte order and never negotiates another one.
package wire

import (
	"encoding/binary"
	"io"
	"net"
	"time"
)

// Endpoint is a framed duplex connection. Every exported method is
// scoped-acquire: a failing Read/Write closes the underlying socket before
// returning, so callers never need a separate cleanup path for a connection
// that has already faulted.
type Endpoint struct {
	conn net.Conn
}

// Dial opens a new Endpoint against network ("tcp" or "unix") and addr,
// failing if the connection isn't established before deadline.
func Dial(network, addr string, deadline time.Time) (*Endpoint, error) {
	d := net.Dialer{}
	if !deadline.IsZero() {
		d.Deadline = deadline
	}
	conn, err := d.Dial(network, addr)
	if err != nil {
		return nil, classify("dial", err)
	}
	return &Endpoint{conn: conn}, nil
}

// New wraps an already-established net.Conn, typically one handed to a TM
// server's Accept loop.
func New(conn net.Conn) *Endpoint {
	return &Endpoint{conn: conn}
}

// Close releases the underlying descriptor. Safe to call more than once.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// RemoteAddr returns the peer address, for logging.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// Read reads exactly n bytes, failing (and closing) on short read, timeout,
// or peer close.
func (e *Endpoint) Read(n int, deadline time.Time) ([]byte, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		e.conn.Close()
		return nil, classify("set_read_deadline", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.conn, buf); err != nil {
		e.conn.Close()
		return nil, classify("read", err)
	}
	return buf, nil
}

// Write writes all of b, failing (and closing) on timeout or broken pipe.
func (e *Endpoint) Write(b []byte, deadline time.Time) error {
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		e.conn.Close()
		return classify("set_write_deadline", err)
	}
	if _, err := e.conn.Write(b); err != nil {
		e.conn.Close()
		return classify("write", err)
	}
	return nil
}

// ReadInt64 reads one little-endian int64.
func (e *Endpoint) ReadInt64(deadline time.Time) (int64, error) {
	b, err := e.Read(8, deadline)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// WriteInt64 writes one little-endian int64.
func (e *Endpoint) WriteInt64(v int64, deadline time.Time) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return e.Write(b[:], deadline)
}

// ReadBytes reads a length-prefixed blob: an int64 length followed by the
// raw bytes.
func (e *Endpoint) ReadBytes(deadline time.Time) ([]byte, error) {
	n, err := e.ReadInt64(deadline)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return e.Read(int(n), deadline)
}

// WriteBytes writes a length-prefixed blob.
func (e *Endpoint) WriteBytes(b []byte, deadline time.Time) error {
	if err := e.WriteInt64(int64(len(b)), deadline); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return e.Write(b, deadline)
}

// ReadString reads a length-prefixed string.
func (e *Endpoint) ReadString(deadline time.Time) (string, error) {
	b, err := e.ReadBytes(deadline)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteString writes a length-prefixed string.
func (e *Endpoint) WriteString(s string, deadline time.Time) error {
	return e.WriteBytes([]byte(s), deadline)
}
