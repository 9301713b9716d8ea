// Package client is the API a chat front end uses: connect, issue commands and
// receive every decoded server event through a single Listener.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/pipeline"
	"github.com/aeolun/securechat/pkg/protocol"
	"github.com/aeolun/securechat/pkg/transport"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrHandshakeFailed  = errors.New("handshake failed")
)

// EventKind tells a Listener what happened
type EventKind int

const (
	// EventConnected reports the connection result; Err is set on failure
	EventConnected EventKind = iota
	// EventDisconnected fires once when an established session ends; Err holds the cause
	EventDisconnected
	EventNameAccepted
	EventChat
	EventUserList
	EventChannelList
	EventChannelMembers
	EventMembership
	EventChannelStatus
	EventUserStatus
	// EventError carries an ERROR reply such as user-not-found; Err is the *protocol.ErrorMessage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventNameAccepted:
		return "name-accepted"
	case EventChat:
		return "chat"
	case EventUserList:
		return "user-list"
	case EventChannelList:
		return "channel-list"
	case EventChannelMembers:
		return "channel-members"
	case EventMembership:
		return "membership"
	case EventChannelStatus:
		return "channel-status"
	case EventUserStatus:
		return "user-status"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one notification for the front end. Message is the decoded server
// message for message-driven kinds.
type Event struct {
	Kind    EventKind
	Message protocol.Message
	Err     error
}

// Listener receives every event. Calls come from the connection's read
// goroutine, in arrival order; a slow listener delays later events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Config holds client connection settings
type Config struct {
	Framing transport.Framing
	// ConnectTimeout bounds dialing plus the handshake
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *log.Logger
	// Engine holds the key pair offered in handshakes. Clients may share one;
	// nil gives the client its own.
	Engine *crypto.Engine
}

// Client is one user's connection to a server
type Client struct {
	cfg      Config
	listener Listener
	engine   *crypto.Engine

	mu      sync.Mutex
	handler *transport.Handler
	conn    *transport.Conn
	session *session
}

// session tracks one connection attempt
type session struct {
	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	ended     bool
	err       error
}

// New creates a disconnected client. The asymmetric keypair is created on
// first connect and reused for the client's lifetime.
func New(cfg Config, listener Listener) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if listener == nil {
		listener = ListenerFunc(func(Event) {})
	}
	engine := cfg.Engine
	if engine == nil {
		engine = crypto.NewEngine()
	}
	return &Client{cfg: cfg, listener: listener, engine: engine}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}

// Connect dials host:port over TCP and blocks until the handshake completes
func (c *Client) Connect(host string, port int) error {
	return c.connect(func(h *transport.Handler) (*transport.Conn, error) {
		return h.Connect(host, port)
	})
}

// ConnectWebSocket dials a ws:// URL (the server's /ws endpoint) and blocks
// until the handshake completes
func (c *Client) ConnectWebSocket(url string) error {
	return c.connect(func(h *transport.Handler) (*transport.Conn, error) {
		return h.ConnectWebSocket(url)
	})
}

func (c *Client) connect(dial func(*transport.Handler) (*transport.Conn, error)) error {
	c.mu.Lock()
	if c.handler != nil {
		if !c.session.ended {
			c.mu.Unlock()
			return ErrAlreadyConnected
		}
		// The previous session was lost; release its handler first
		old := c.handler
		c.mu.Unlock()
		c.teardown(old)
		c.mu.Lock()
		if c.handler != nil {
			c.mu.Unlock()
			return ErrAlreadyConnected
		}
	}
	sess := &session{ready: make(chan struct{}), done: make(chan struct{})}
	h := c.newHandler(sess)
	c.handler = h
	c.session = sess
	c.mu.Unlock()

	conn, err := dial(h)
	if err == nil {
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		timer := time.NewTimer(c.cfg.ConnectTimeout)
		defer timer.Stop()
		select {
		case <-sess.ready:
		case <-sess.done:
			err = fmt.Errorf("%w: %v", ErrHandshakeFailed, sess.err)
		case <-timer.C:
			err = ErrHandshakeTimeout
		}
	}

	if err != nil {
		c.teardown(h)
		c.logf("Connect failed: %v", err)
		c.listener.HandleEvent(Event{Kind: EventConnected, Err: err})
		return err
	}

	c.logf("Connected (%s, encrypted=%v)", conn.Kind(), conn.Pipeline().Security().Encrypted())
	c.listener.HandleEvent(Event{Kind: EventConnected})
	return nil
}

func (c *Client) newHandler(sess *session) *transport.Handler {
	return transport.NewHandler(transport.Config{
		Framing:      c.cfg.Framing,
		WriteTimeout: c.cfg.WriteTimeout,
		DialTimeout:  c.cfg.ConnectTimeout,
		QueueSize:    256,
		NewPipeline: func(net.Addr) *pipeline.Pipeline {
			return pipeline.NewClient(c.engine, c.cfg.Logger)
		},
		OnReady: func(*transport.Conn) {
			sess.readyOnce.Do(func() { close(sess.ready) })
		},
		OnMessage: func(conn *transport.Conn, msg protocol.Message) {
			c.handleMessage(conn, msg)
		},
		OnDisconnect: func(conn *transport.Conn, err error) {
			c.mu.Lock()
			sess.err = err
			sess.ended = true
			established := conn.Ready()
			c.mu.Unlock()
			close(sess.done)
			if established {
				c.listener.HandleEvent(Event{Kind: EventDisconnected, Err: err})
			}
		},
		Logger: c.cfg.Logger,
	})
}

// teardown stops h and clears it if it is still the current handler
func (c *Client) teardown(h *transport.Handler) {
	h.Stop()
	c.mu.Lock()
	if c.handler == h {
		c.handler = nil
		c.conn = nil
		c.session = nil
	}
	c.mu.Unlock()
}

// Disconnect says goodbye, waits briefly for the server to close the
// connection, then tears it down. Safe to call when not connected, but not
// from inside a Listener.
func (c *Client) Disconnect() {
	c.mu.Lock()
	h, conn, sess := c.handler, c.conn, c.session
	c.mu.Unlock()
	if h == nil {
		return
	}

	if conn != nil && !conn.Closed() {
		if err := h.Send(conn.ID(), protocol.NewDisconnect("client disconnect")); err == nil {
			select {
			case <-sess.done:
			case <-time.After(time.Second):
			}
		}
	}
	c.teardown(h)
}

// Connected reports whether a session is established
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Ready() && !c.session.ended
}

// Encrypted reports whether the current session negotiated encryption
func (c *Client) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Pipeline().Security().Encrypted()
}

// BytesSent returns the bytes written on the current connection
func (c *Client) BytesSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.BytesOut()
}

// BytesReceived returns the bytes read on the current connection
func (c *Client) BytesReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.BytesIn()
}

func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	h, conn, sess := c.handler, c.conn, c.session
	ended := sess != nil && sess.ended
	c.mu.Unlock()
	if h == nil || conn == nil || ended || !conn.Ready() {
		return ErrNotConnected
	}
	return h.Send(conn.ID(), msg)
}

// SetUsername claims a name, or renames once one is held
func (c *Client) SetUsername(name string) error {
	return c.send(protocol.NewSetName(name))
}

// SendChat sends body to a user, or to a channel when isChannel is set
func (c *Client) SendChat(recipient string, isChannel, isAction bool, body string) error {
	return c.send(protocol.NewPostChat(recipient, isChannel, isAction, body))
}

func (c *Client) JoinChannel(name string) error {
	return c.send(protocol.NewJoin(name))
}

func (c *Client) PartChannel(name string) error {
	return c.send(protocol.NewPart(name))
}

func (c *Client) RequestUserList() error {
	return c.send(protocol.NewListUsers())
}

func (c *Client) RequestChannelList() error {
	return c.send(protocol.NewListChannels())
}

func (c *Client) RequestChannelMembers(channel string) error {
	return c.send(protocol.NewListChannelMembers(channel))
}

// handleMessage answers keepalives and turns everything else into events
func (c *Client) handleMessage(conn *transport.Conn, msg protocol.Message) {
	var kind EventKind
	var err error

	switch m := msg.(type) {
	case *protocol.PingMessage:
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.Send(conn.ID(), protocol.NewPong(m.Created()))
		}
		return
	case *protocol.DisconnectMessage:
		c.logf("Server is disconnecting us: %s", m.Reason)
		return
	case *protocol.NameAcceptedMessage:
		kind = EventNameAccepted
	case *protocol.ChatMessage:
		kind = EventChat
	case *protocol.UserListMessage:
		kind = EventUserList
	case *protocol.ChannelListMessage:
		kind = EventChannelList
	case *protocol.ChannelMembersMessage:
		kind = EventChannelMembers
	case *protocol.MembershipMessage:
		kind = EventMembership
	case *protocol.ChannelStatusMessage:
		kind = EventChannelStatus
	case *protocol.UserStatusMessage:
		kind = EventUserStatus
	case *protocol.ErrorMessage:
		kind = EventError
		err = m
	default:
		c.logf("Ignoring unexpected %s from server", protocol.TypeName(msg.Type()))
		return
	}

	c.listener.HandleEvent(Event{Kind: kind, Message: msg, Err: err})
}
