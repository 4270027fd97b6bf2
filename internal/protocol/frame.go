package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const headerSize = 4

// MaxFrameSize caps a single frame body. Scan result batches can be
// large, but anything past this is a corrupt length header.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame header announces a body
// larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame body from r. The wire
// format is a 4-byte big-endian length followed by exactly that many
// bytes of JSON. A clean EOF at a frame boundary is returned as
// io.EOF; a connection that dies mid-frame is a framing error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", n, ErrFrameTooLarge)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body (%d bytes): %w", n, err)
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame to w. Header and body
// go out in a single Write so the frame cannot be torn by the caller.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(body)))
	copy(buf[headerSize:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Conn wraps a net.Conn with framed JSON messaging. Writes are
// serialized by a per-socket mutex so the heartbeat goroutine and the
// main loop cannot interleave frames.
type Conn struct {
	nc   net.Conn
	wmu  sync.Mutex
	wdl  time.Duration
	once sync.Once
}

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// NewConn wraps an established network connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, wdl: DefaultWriteTimeout}
}

// Dial connects to addr and wraps the connection.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// ReadMessage reads the next frame and decodes its type envelope.
// A timeout of zero means no read deadline.
func (c *Conn) ReadMessage(timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	body, err := ReadFrame(c.nc)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}

// WriteMessage marshals v and sends it as one frame.
func (c *Conn) WriteMessage(v any) error {
	body, err := marshalMessage(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(body)
}

// WriteRaw sends an already-encoded JSON body as one frame. Queued
// commands are stored as their exact frame JSON and resent through
// this path.
func (c *Conn) WriteRaw(body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.wdl > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.wdl)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return WriteFrame(c.nc, body)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.nc.Close() })
	return err
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// RemoteIP returns the remote host without the port, which is how the
// master keys agents.
func (c *Conn) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}
