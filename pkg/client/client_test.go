package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/pipeline"
	"github.com/aeolun/securechat/pkg/protocol"
	"github.com/aeolun/securechat/pkg/transport"
)

// fakeServer is a scripted peer: it completes the server side of the
// handshake and reports what the client sends
type fakeServer struct {
	handler  *transport.Handler
	port     int
	ready    chan *transport.Conn
	received chan protocol.Message
	gone     chan error
}

func newFakeServer(t *testing.T, requireEncryption bool) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		ready:    make(chan *transport.Conn, 4),
		received: make(chan protocol.Message, 64),
		gone:     make(chan error, 4),
	}
	engine := crypto.NewEngine()
	fs.handler = transport.NewHandler(transport.Config{
		NewPipeline: func(net.Addr) *pipeline.Pipeline {
			return pipeline.NewServer(engine, requireEncryption, nil)
		},
		OnReady: func(c *transport.Conn) { fs.ready <- c },
		OnMessage: func(c *transport.Conn, msg protocol.Message) {
			fs.received <- msg
			if _, ok := msg.(*protocol.DisconnectMessage); ok {
				fs.handler.Close(c.ID())
			}
		},
		OnDisconnect: func(c *transport.Conn, err error) { fs.gone <- err },
	})
	require.NoError(t, fs.handler.Listen("127.0.0.1:0"))
	fs.port = fs.handler.Addr().(*net.TCPAddr).Port
	t.Cleanup(fs.handler.Stop)
	return fs
}

func (fs *fakeServer) expect(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
		return nil
	}
}

func (fs *fakeServer) conn(t *testing.T) *transport.Conn {
	t.Helper()
	select {
	case c := <-fs.ready:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection became ready")
		return nil
	}
}

type events chan Event

func (e events) HandleEvent(ev Event) { e <- ev }

func (e events) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-e:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	c := New(Config{}, nil)
	assert.ErrorIs(t, c.SetUsername("alice"), ErrNotConnected)
	assert.ErrorIs(t, c.JoinChannel("#lobby"), ErrNotConnected)
	assert.ErrorIs(t, c.SendChat("#lobby", true, false, "hi"), ErrNotConnected)
	assert.False(t, c.Connected())
	assert.Zero(t, c.BytesSent())

	// Disconnect without a connection is a no-op
	c.Disconnect()
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ev := make(events, 8)
	c := New(Config{ConnectTimeout: time.Second}, ev)
	err = c.Connect("127.0.0.1", port)
	require.Error(t, err)

	got := ev.next(t)
	assert.Equal(t, EventConnected, got.Kind)
	assert.Error(t, got.Err)
	assert.False(t, c.Connected())
}

func TestConnectHandshakeTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		// Accept and say nothing
		conn, err := l.Accept()
		if err == nil {
			time.Sleep(time.Second)
			conn.Close()
		}
	}()

	c := New(Config{ConnectTimeout: 200 * time.Millisecond}, nil)
	err = c.Connect("127.0.0.1", l.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestConnectHandshakeFailed(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c := New(Config{ConnectTimeout: 2 * time.Second}, nil)
	err = c.Connect("127.0.0.1", l.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestConnectAndCommands(t *testing.T) {
	for _, encrypted := range []bool{true, false} {
		fs := newFakeServer(t, encrypted)
		ev := make(events, 64)
		c := New(Config{}, ev)

		require.NoError(t, c.Connect("127.0.0.1", fs.port))
		assert.Equal(t, EventConnected, ev.next(t).Kind)
		assert.True(t, c.Connected())
		assert.Equal(t, encrypted, c.Encrypted())
		assert.ErrorIs(t, c.Connect("127.0.0.1", fs.port), ErrAlreadyConnected)
		fs.conn(t)

		require.NoError(t, c.SetUsername("alice"))
		assert.Equal(t, "alice", fs.expect(t).(*protocol.SetNameMessage).Name)

		require.NoError(t, c.SendChat("bob", false, true, "waves"))
		post := fs.expect(t).(*protocol.PostChatMessage)
		assert.Equal(t, "bob", post.Recipient)
		assert.False(t, post.IsChannel)
		assert.True(t, post.IsAction)

		require.NoError(t, c.JoinChannel("#lobby"))
		assert.Equal(t, "#lobby", fs.expect(t).(*protocol.JoinMessage).Channel)
		require.NoError(t, c.PartChannel("#lobby"))
		assert.Equal(t, "#lobby", fs.expect(t).(*protocol.PartMessage).Channel)
		require.NoError(t, c.RequestUserList())
		assert.IsType(t, &protocol.ListUsersMessage{}, fs.expect(t))
		require.NoError(t, c.RequestChannelList())
		assert.IsType(t, &protocol.ListChannelsMessage{}, fs.expect(t))
		require.NoError(t, c.RequestChannelMembers("#lobby"))
		assert.Equal(t, "#lobby", fs.expect(t).(*protocol.ListChannelMembersMessage).Channel)

		assert.NotZero(t, c.BytesSent())
		assert.NotZero(t, c.BytesReceived())

		c.Disconnect()
		assert.IsType(t, &protocol.DisconnectMessage{}, fs.expect(t))
		assert.False(t, c.Connected())
	}
}

func TestEventsFromServer(t *testing.T) {
	fs := newFakeServer(t, true)
	ev := make(events, 64)
	c := New(Config{}, ev)
	require.NoError(t, c.Connect("127.0.0.1", fs.port))
	defer c.Disconnect()
	require.Equal(t, EventConnected, ev.next(t).Kind)
	conn := fs.conn(t)

	cases := []struct {
		msg  protocol.Message
		kind EventKind
	}{
		{protocol.NewNameAccepted("alice", ""), EventNameAccepted},
		{protocol.NewChat("bob", "#lobby", true, false, "hi"), EventChat},
		{protocol.NewUserList([]string{"alice", "bob"}), EventUserList},
		{protocol.NewChannelList([]string{"#lobby"}), EventChannelList},
		{protocol.NewChannelMembers("#lobby", []string{"alice"}), EventChannelMembers},
		{protocol.NewMembership("#lobby", "bob", true), EventMembership},
		{protocol.NewChannelStatus("#lobby", true), EventChannelStatus},
		{protocol.NewUserStatus(protocol.UserConnected, "bob", ""), EventUserStatus},
	}
	for _, tc := range cases {
		require.NoError(t, fs.handler.Send(conn.ID(), tc.msg))
		got := ev.next(t)
		assert.Equal(t, tc.kind, got.Kind, tc.kind.String())
		assert.Equal(t, tc.msg.Type(), got.Message.Type())
		assert.NoError(t, got.Err)
	}

	require.NoError(t, fs.handler.Send(conn.ID(), protocol.NewError(protocol.ErrCodeUserDoesNotExist, "carol")))
	got := ev.next(t)
	assert.Equal(t, EventError, got.Kind)
	var errMsg *protocol.ErrorMessage
	require.True(t, errors.As(got.Err, &errMsg))
	assert.Equal(t, protocol.ErrCodeUserDoesNotExist, errMsg.Code)
	assert.Equal(t, "carol", errMsg.Value)
}

func TestPingIsAnswered(t *testing.T) {
	fs := newFakeServer(t, true)
	ev := make(events, 64)
	c := New(Config{}, ev)
	require.NoError(t, c.Connect("127.0.0.1", fs.port))
	defer c.Disconnect()
	ev.next(t)
	conn := fs.conn(t)

	ping := protocol.NewPing()
	require.NoError(t, fs.handler.Send(conn.ID(), ping))

	pong, ok := fs.expect(t).(*protocol.PongMessage)
	require.True(t, ok)
	assert.True(t, ping.Created().Equal(pong.Echo))

	// Pings are not surfaced to the listener
	select {
	case e := <-ev:
		t.Fatalf("unexpected event %s", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerCloseAndReconnect(t *testing.T) {
	fs := newFakeServer(t, true)
	ev := make(events, 64)
	c := New(Config{}, ev)
	require.NoError(t, c.Connect("127.0.0.1", fs.port))
	ev.next(t)
	conn := fs.conn(t)

	require.NoError(t, fs.handler.Close(conn.ID()))
	got := ev.next(t)
	assert.Equal(t, EventDisconnected, got.Kind)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.SetUsername("alice"), ErrNotConnected)

	// A lost session does not block a new one
	require.NoError(t, c.Connect("127.0.0.1", fs.port))
	defer c.Disconnect()
	assert.Equal(t, EventConnected, ev.next(t).Kind)
	assert.True(t, c.Connected())
}

func TestClientsShareEngine(t *testing.T) {
	fs := newFakeServer(t, true)
	engine := crypto.NewEngine()
	defer engine.Destroy()

	first := New(Config{Engine: engine}, nil)
	second := New(Config{Engine: engine}, nil)
	require.NoError(t, first.Connect("127.0.0.1", fs.port))
	defer first.Disconnect()
	require.NoError(t, second.Connect("127.0.0.1", fs.port))
	defer second.Disconnect()
	fs.conn(t)
	fs.conn(t)

	assert.True(t, first.Encrypted())
	assert.True(t, second.Encrypted())
	kp, err := engine.KeyPair()
	require.NoError(t, err)
	assert.NotNil(t, kp)
}
