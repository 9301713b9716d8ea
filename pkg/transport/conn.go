package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/securechat/pkg/pipeline"
	"github.com/aeolun/securechat/pkg/protocol"
)

// ConnID identifies a connection for the lifetime of a Handler
type ConnID uint64

// Framing selects how units are delimited on the wire
type Framing int

const (
	// FramingLength prefixes every unit with a 2-byte length
	FramingLength Framing = iota
	// FramingStream sends self-describing units back to back (legacy capture format)
	FramingStream
)

func (f Framing) String() string {
	if f == FramingStream {
		return "stream"
	}
	return "length"
}

// ErrClosedLocally is the disconnect reason when this side closed the connection
var ErrClosedLocally = errors.New("connection closed locally")

// Conn is one live socket and the pipeline that owns its traffic.
// Writes are serialized so frames never interleave on the wire.
type Conn struct {
	id          ConnID
	netConn     net.Conn
	reader      *bufio.Reader
	pipeline    *pipeline.Pipeline
	framing     Framing
	kind        string
	connectedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	ready     atomic.Bool
	errMu     sync.Mutex
	err       error

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

func newConn(id ConnID, nc net.Conn, p *pipeline.Pipeline, framing Framing, kind string) *Conn {
	c := &Conn{
		id:          id,
		netConn:     nc,
		pipeline:    p,
		framing:     framing,
		kind:        kind,
		connectedAt: time.Now(),
	}
	c.reader = bufio.NewReader(&countingReader{r: nc, n: &c.bytesIn})
	c.ready.Store(p.Established())
	return c
}

func (c *Conn) ID() ConnID { return c.id }

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Host returns the remote host without the port
func (c *Conn) Host() string {
	return HostOf(c.netConn.RemoteAddr())
}

// Kind is "tcp" or "websocket"
func (c *Conn) Kind() string { return c.kind }

func (c *Conn) Pipeline() *pipeline.Pipeline { return c.pipeline }

// Ready reports whether the handshake has completed and its final replies
// are queued ahead of any application traffic
func (c *Conn) Ready() bool { return c.ready.Load() }

func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

func (c *Conn) BytesIn() uint64 { return c.bytesIn.Load() }

func (c *Conn) BytesOut() uint64 { return c.bytesOut.Load() }

// Closed reports whether the connection has been torn down
func (c *Conn) Closed() bool { return c.closed.Load() }

// Err returns the reason the connection was torn down
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// fail records the first teardown reason and closes the socket, which
// unblocks the connection's read goroutine
func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// A broken peer gets no goodbye: only local closes may block on one
		if nc, ok := c.netConn.(interface{ CloseNow() error }); ok && !errors.Is(err, ErrClosedLocally) {
			nc.CloseNow()
			return
		}
		c.netConn.Close()
	})
}

// readUnit reads the next inbound unit according to the connection's framing
func (c *Conn) readUnit() ([]byte, error) {
	if c.framing == FramingStream {
		return protocol.ReadStreamUnit(c.reader, c.pipeline.Security().Encrypted())
	}
	return protocol.ReadFrame(c.reader)
}

// writeUnit writes one fully processed payload with a deadline
func (c *Conn) writeUnit(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if timeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	}

	w := &countingWriter{w: c.netConn, n: &c.bytesOut}
	if c.framing == FramingStream {
		_, err := w.Write(payload)
		return err
	}
	return protocol.WriteFrame(w, payload)
}

// HostOf strips the port from a network address
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n.Add(uint64(n))
	}
	return n, err
}
