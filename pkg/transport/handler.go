// Package transport owns sockets: the accept loop, one read goroutine per
// connection and a single writer goroutine shared by all of them. Every byte in
// either direction passes through the connection's pipeline.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/securechat/pkg/pipeline"
	"github.com/aeolun/securechat/pkg/protocol"
)

var (
	ErrUnknownConn = errors.New("unknown connection")
	ErrStopped     = errors.New("handler stopped")
)

// Config holds the handler's collaborators and limits
type Config struct {
	// Framing applies to every connection of this handler
	Framing Framing
	// WriteTimeout bounds each socket write so a stalled peer fails instead of
	// blocking the shared writer (0 = no deadline)
	WriteTimeout time.Duration
	// DialTimeout bounds Connect
	DialTimeout time.Duration
	// QueueSize is the capacity of the shared outbound queue
	QueueSize int

	// NewPipeline builds the pipeline for a new connection
	NewPipeline func(remote net.Addr) *pipeline.Pipeline

	OnConnect    func(c *Conn)
	OnReady      func(c *Conn)
	OnMessage    func(c *Conn, msg protocol.Message)
	OnDisconnect func(c *Conn, err error)

	Logger *log.Logger
}

// outbound is one queued write: either an encoded message frame still to be run
// through the pipeline, or a payload the pipeline already produced
type outbound struct {
	conn  *Conn
	frame []byte
	raw   []byte
}

// Handler manages every connection of one process role (a server, or a client)
type Handler struct {
	cfg Config

	mu       sync.RWMutex
	conns    map[ConnID]*Conn
	listener net.Listener
	stopping bool
	nextID   atomic.Uint64

	queue      chan outbound
	shutdown   chan struct{}
	readers    sync.WaitGroup
	writerDone chan struct{}
	stopOnce   sync.Once
}

// NewHandler creates a handler and starts its writer goroutine
func NewHandler(cfg Config) *Handler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	h := &Handler{
		cfg:        cfg,
		conns:      make(map[ConnID]*Conn),
		queue:      make(chan outbound, cfg.QueueSize),
		shutdown:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go h.writeLoop()
	return h
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.cfg.Logger != nil {
		h.cfg.Logger.Printf(format, args...)
	}
}

// Bind listens on all interfaces at port (0 picks a free port)
func (h *Handler) Bind(port int) error {
	return h.Listen(fmt.Sprintf(":%d", port))
}

// Listen starts accepting TCP connections on addr
func (h *Handler) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		listener.Close()
		return ErrStopped
	}
	h.listener = listener
	h.readers.Add(1)
	h.mu.Unlock()

	go h.acceptLoop(listener)
	return nil
}

// Addr returns the listening address, or nil before Listen
func (h *Handler) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *Handler) acceptLoop(listener net.Listener) {
	defer h.readers.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-h.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := nc.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		if _, err := h.Adopt(nc, "tcp"); err != nil {
			nc.Close()
		}
	}
}

// Connect dials a server and starts the connection's lifecycle
func (h *Handler) Connect(host string, port int) (*Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	nc, err := net.DialTimeout("tcp", addr, h.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	c, err := h.Adopt(nc, "tcp")
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Adopt registers an established socket and starts its read goroutine.
// kind labels the transport in logs and metrics.
func (h *Handler) Adopt(nc net.Conn, kind string) (*Conn, error) {
	id := ConnID(h.nextID.Add(1))
	c := newConn(id, nc, h.cfg.NewPipeline(nc.RemoteAddr()), h.cfg.Framing, kind)

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		c.pipeline.Close()
		return nil, ErrStopped
	}
	h.conns[id] = c
	h.readers.Add(1)
	h.mu.Unlock()

	go h.readLoop(c)
	return c, nil
}

// readLoop is the only goroutine that reads from c. It owns c's teardown.
func (h *Handler) readLoop(c *Conn) {
	defer h.readers.Done()
	defer h.finish(c)

	h.logf("Connection %d opened from %s (%s)", c.id, c.RemoteAddr(), c.kind)
	if h.cfg.OnConnect != nil {
		h.cfg.OnConnect(c)
	}

	start, err := c.pipeline.Start()
	if err != nil {
		c.fail(err)
		return
	}
	h.dispatch(c, start)

	for {
		unit, err := c.readUnit()
		if err != nil {
			c.fail(err)
			return
		}

		out, err := c.pipeline.Inbound(unit)
		h.dispatch(c, out)
		if err != nil {
			if pipeline.IsFramingError(err) {
				h.logf("Connection %d: %v (rest of buffer dropped)", c.id, err)
				continue
			}
			h.logf("Connection %d: %v", c.id, err)
			c.fail(err)
			return
		}
	}
}

// dispatch queues pipeline replies and delivers application messages in order
func (h *Handler) dispatch(c *Conn, out pipeline.Output) {
	for _, raw := range out.ToWire {
		h.enqueue(outbound{conn: c, raw: raw})
	}
	if out.Established {
		// Broadcast skips connections until this flips, so nothing encrypted
		// can be queued ahead of the handshake replies above
		c.ready.Store(true)
		h.logf("Connection %d ready (encrypted=%v)", c.id, c.pipeline.Security().Encrypted())
		if h.cfg.OnReady != nil {
			h.cfg.OnReady(c)
		}
	}
	if h.cfg.OnMessage != nil {
		for _, msg := range out.ToApp {
			h.cfg.OnMessage(c, msg)
		}
	}
}

func (h *Handler) finish(c *Conn) {
	c.fail(ErrClosedLocally)

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.pipeline.Close()

	err := c.Err()
	h.logf("Connection %d closed: %v (in=%d out=%d bytes)", c.id, err, c.BytesIn(), c.BytesOut())
	if h.cfg.OnDisconnect != nil {
		h.cfg.OnDisconnect(c, err)
	}
}

// Send queues msg for one connection. msg is encoded before it is queued, so an
// oversized message fails here (protocol.ErrMessageTooLarge) and the connection
// is left untouched.
func (h *Handler) Send(id ConnID, msg protocol.Message) error {
	c, ok := h.Conn(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, id)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return h.enqueue(outbound{conn: c, frame: frame})
}

// Broadcast queues msg for every connection that has completed its handshake
func (h *Handler) Broadcast(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for _, c := range h.Connections() {
		if !c.Ready() {
			continue
		}
		if err := h.enqueue(outbound{conn: c, frame: frame}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) enqueue(item outbound) error {
	select {
	case <-h.shutdown:
		return ErrStopped
	default:
	}
	select {
	case h.queue <- item:
		return nil
	case <-h.shutdown:
		return ErrStopped
	}
}

// writeLoop is the single goroutine that writes to sockets
func (h *Handler) writeLoop() {
	defer close(h.writerDone)

	for {
		select {
		case <-h.shutdown:
			return
		case item := <-h.queue:
			h.write(item)
		}
	}
}

func (h *Handler) write(item outbound) {
	c := item.conn
	if c.Closed() {
		return
	}

	payload := item.raw
	if item.frame != nil {
		var err error
		payload, err = c.pipeline.OutboundFrame(item.frame)
		if err != nil {
			h.logf("Connection %d: outbound %s: %v", c.id, protocol.TypeName(item.frame[0]), err)
			c.fail(err)
			return
		}
		if payload == nil {
			return
		}
	}

	if err := c.writeUnit(payload, h.cfg.WriteTimeout); err != nil {
		h.logf("Connection %d: write failed: %v", c.id, err)
		c.fail(err)
	}
}

// Conn looks up a live connection
func (h *Handler) Conn(id ConnID) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Connections returns every live connection
func (h *Handler) Connections() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections
func (h *Handler) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close tears a connection down; its disconnect callback fires from its read goroutine
func (h *Handler) Close(id ConnID) error {
	c, ok := h.Conn(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, id)
	}
	c.fail(ErrClosedLocally)
	return nil
}

// Stop closes the listener and every connection, waits for all read goroutines
// (and their disconnect callbacks), then stops the writer
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		listener := h.listener
		h.listener = nil
		h.mu.Unlock()
		if listener != nil {
			listener.Close()
		}

		for _, c := range h.Connections() {
			c.fail(ErrClosedLocally)
		}
		h.readers.Wait()

		close(h.shutdown)
		<-h.writerDone
	})
}
