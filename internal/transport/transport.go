// Package transport provides the newline-framed byte-stream connection a
// gateway speaks over: a single TCP socket, one line per frame, one goroutine
// reading and one writer mutex guarding ordered writes. Framing is kept
// separate from JSON decoding so a malformed or oversized single line can be
// tolerated without losing the rest of the stream.
package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport is a connected, newline-framed byte stream.
type Transport struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// Dial opens a TCP connection to addr (host:port).
func Dial(addr string) (*Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an already-connected net.Conn.
func New(conn net.Conn) *Transport {
	return &Transport{conn: conn, reader: bufio.NewReader(conn)}
}

// ReadLine blocks until a full newline-terminated frame is available,
// returning it with the trailing newline (and any trailing carriage
// return) stripped. bufio.Reader.ReadBytes grows its internal buffer as
// needed, so a frame longer than any fixed buffer size is still read in
// full rather than truncated.
func (t *Transport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// WriteLine writes a single frame followed by a newline. Concurrent callers
// are serialized so that one caller's frame is never interleaved with
// another's on the wire.
func (t *Transport) WriteLine(line []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close releases the underlying socket. Safe to call more than once.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// RemoteAddr returns the address of the peer, or "" if unknown.
func (t *Transport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}
