package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/securechat/pkg/directory"
	"github.com/aeolun/securechat/pkg/protocol"
	"github.com/aeolun/securechat/pkg/transport"
)

// recorder is a Sender that keeps every outbound message per connection
type recorder struct {
	mu         sync.Mutex
	sent       map[transport.ConnID][]protocol.Message
	broadcasts []protocol.Message
	closed     []transport.ConnID
}

func newRecorder() *recorder {
	return &recorder{sent: make(map[transport.ConnID][]protocol.Message)}
}

// Send rejects what the transport would reject: frames over the size limit
func (r *recorder) Send(id transport.ConnID, msg protocol.Message) error {
	if _, err := protocol.Encode(msg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[id] = append(r.sent[id], msg)
	return nil
}

func (r *recorder) Broadcast(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, msg)
	return nil
}

func (r *recorder) Close(id transport.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	return nil
}

// take returns and forgets everything sent to id
func (r *recorder) take(id transport.ConnID) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.sent[id]
	delete(r.sent, id)
	return msgs
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = make(map[transport.ConnID][]protocol.Message)
}

func newTestServer(t *testing.T) (*Server, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := &Server{
		config:   DefaultConfig(),
		dir:      directory.New(),
		sender:   rec,
		metrics:  NewMetrics(),
		shutdown: make(chan struct{}),
	}
	return s, rec
}

// login registers name on conn and clears the recorder
func login(t *testing.T, s *Server, rec *recorder, id transport.ConnID, name string) {
	t.Helper()
	s.handleMessage(id, "127.0.0.1", protocol.NewSetName(name))
	msgs := rec.take(id)
	require.NotEmpty(t, msgs)
	accepted, ok := msgs[0].(*protocol.NameAcceptedMessage)
	require.True(t, ok, "expected NAME_ACCEPTED, got %s", protocol.TypeName(msgs[0].Type()))
	require.Equal(t, name, accepted.Name)
	rec.reset()
}

func requireError(t *testing.T, msgs []protocol.Message, code protocol.ErrorCode, value string) {
	t.Helper()
	require.Len(t, msgs, 1)
	errMsg, ok := msgs[0].(*protocol.ErrorMessage)
	require.True(t, ok, "expected ERROR, got %s", protocol.TypeName(msgs[0].Type()))
	assert.Equal(t, code, errMsg.Code)
	assert.Equal(t, value, errMsg.Value)
}

func TestSetNameBroadcastsConnect(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")

	s.handleMessage(2, "127.0.0.1", protocol.NewSetName("bob"))

	bob := rec.take(2)
	require.Len(t, bob, 1)
	assert.Equal(t, "bob", bob[0].(*protocol.NameAcceptedMessage).Name)
	assert.Empty(t, bob[0].(*protocol.NameAcceptedMessage).Previous)

	alice := rec.take(1)
	require.Len(t, alice, 1)
	status := alice[0].(*protocol.UserStatusMessage)
	assert.Equal(t, protocol.UserConnected, status.Status)
	assert.Equal(t, "bob", status.Name)
}

func TestSetNameInUse(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")

	s.handleMessage(2, "127.0.0.1", protocol.NewSetName("alice"))
	requireError(t, rec.take(2), protocol.ErrCodeUsernameInUse, "alice")
	assert.Empty(t, rec.take(1))

	// Released exactly once the holder's disconnect is processed
	s.handleDisconnect(1)
	s.handleMessage(2, "127.0.0.1", protocol.NewSetName("alice"))
	msgs := rec.take(2)
	require.NotEmpty(t, msgs)
	_, ok := msgs[0].(*protocol.NameAcceptedMessage)
	assert.True(t, ok)

	s.handleMessage(3, "127.0.0.1", protocol.NewSetName("alice"))
	requireError(t, rec.take(3), protocol.ErrCodeUsernameInUse, "alice")
}

func TestSetNameInvalid(t *testing.T) {
	s, rec := newTestServer(t)

	for _, name := range []string{"", "has space", "#chan", "waytoolongnamethatexceedslimit"} {
		s.handleMessage(1, "127.0.0.1", protocol.NewSetName(name))
		requireError(t, rec.take(1), protocol.ErrCodeInvalidName, name)
	}
	assert.Zero(t, s.dir.Count())
}

func TestRename(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	s.handleMessage(1, "", protocol.NewJoin("#lobby"))
	rec.reset()

	s.handleMessage(1, "", protocol.NewSetName("bob"))
	requireError(t, rec.take(1), protocol.ErrCodeUsernameInUse, "bob")

	s.handleMessage(1, "", protocol.NewSetName("alicia"))
	msgs := rec.take(1)
	require.Len(t, msgs, 1)
	accepted := msgs[0].(*protocol.NameAcceptedMessage)
	assert.Equal(t, "alicia", accepted.Name)
	assert.Equal(t, "alice", accepted.Previous)

	msgs = rec.take(2)
	require.Len(t, msgs, 1)
	status := msgs[0].(*protocol.UserStatusMessage)
	assert.Equal(t, protocol.UserRenamed, status.Status)
	assert.Equal(t, "alicia", status.Name)
	assert.Equal(t, "alice", status.Previous)

	// Membership follows the renamed user
	s.handleMessage(2, "", protocol.NewListChannelMembers("#lobby"))
	msgs = rec.take(2)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alicia"}, msgs[0].(*protocol.ChannelMembersMessage).Names)
}

func TestJoinRequiresName(t *testing.T) {
	s, rec := newTestServer(t)
	s.handleMessage(1, "", protocol.NewJoin("#lobby"))
	requireError(t, rec.take(1), protocol.ErrCodeMustSetUsernameFirst, "#lobby")

	s.handleMessage(1, "", protocol.NewPart("#lobby"))
	requireError(t, rec.take(1), protocol.ErrCodeMustSetUsernameFirst, "#lobby")

	s.handleMessage(1, "", protocol.NewPostChat("#lobby", true, false, "hi"))
	requireError(t, rec.take(1), protocol.ErrCodeMustSetUsernameFirst, "#lobby")
	assert.Empty(t, s.dir.Channels())
}

func TestJoinCreatesChannel(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	login(t, s, rec, 3, "carol")

	s.handleMessage(1, "", protocol.NewJoin("#lobby"))

	// Every online user gets exactly one creation notification
	for _, id := range []transport.ConnID{2, 3} {
		msgs := rec.take(id)
		require.Len(t, msgs, 1)
		status := msgs[0].(*protocol.ChannelStatusMessage)
		assert.Equal(t, "#lobby", status.Channel)
		assert.True(t, status.Added)
	}
	msgs := rec.take(1)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].(*protocol.ChannelStatusMessage).Added)
	assert.Equal(t, "alice", msgs[1].(*protocol.MembershipMessage).User)

	// Second joiner: no creation, one join notification to the existing member
	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	msgs = rec.take(1)
	require.Len(t, msgs, 1)
	membership := msgs[0].(*protocol.MembershipMessage)
	assert.Equal(t, "bob", membership.User)
	assert.True(t, membership.Joined)
	assert.Empty(t, rec.take(3))

	msgs = rec.take(2)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].(*protocol.MembershipMessage).User)

	// Joining again changes nothing for anyone else
	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	assert.Empty(t, rec.take(1))
	assert.Len(t, rec.take(2), 1)
}

func TestJoinInvalidChannel(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")

	s.handleMessage(1, "", protocol.NewJoin("bad name"))
	requireError(t, rec.take(1), protocol.ErrCodeInvalidName, "bad name")
	assert.Empty(t, s.dir.Channels())
}

func TestPartLastMemberRemovesChannel(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	s.handleMessage(1, "", protocol.NewJoin("#lobby"))
	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	rec.reset()

	s.handleMessage(2, "", protocol.NewPart("#lobby"))
	msgs := rec.take(1)
	require.Len(t, msgs, 1)
	membership := msgs[0].(*protocol.MembershipMessage)
	assert.Equal(t, "bob", membership.User)
	assert.False(t, membership.Joined)
	assert.Len(t, rec.take(2), 1)

	s.handleMessage(1, "", protocol.NewPart("#lobby"))
	msgs = rec.take(2)
	require.Len(t, msgs, 1)
	status := msgs[0].(*protocol.ChannelStatusMessage)
	assert.Equal(t, "#lobby", status.Channel)
	assert.False(t, status.Added)

	s.handleMessage(2, "", protocol.NewListChannels())
	msgs = rec.take(2)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].(*protocol.ChannelListMessage).Names)
}

func TestPartErrors(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")

	s.handleMessage(1, "", protocol.NewPart("#nowhere"))
	requireError(t, rec.take(1), protocol.ErrCodeChannelDoesNotExist, "#nowhere")

	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	rec.reset()
	s.handleMessage(1, "", protocol.NewPart("#lobby"))
	requireError(t, rec.take(1), protocol.ErrCodeNotInChannel, "#lobby")
}

func TestChannelChatFanout(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	login(t, s, rec, 3, "carol")
	login(t, s, rec, 4, "dave")
	for _, id := range []transport.ConnID{1, 2, 3} {
		s.handleMessage(id, "", protocol.NewJoin("#lobby"))
	}
	rec.reset()

	s.handleMessage(1, "", protocol.NewPostChat("#lobby", true, true, "waves"))

	assert.Empty(t, rec.take(1), "sender must not receive its own channel message")
	assert.Empty(t, rec.take(4), "non-members must not receive channel messages")
	for _, id := range []transport.ConnID{2, 3} {
		msgs := rec.take(id)
		require.Len(t, msgs, 1)
		chat := msgs[0].(*protocol.ChatMessage)
		assert.Equal(t, "alice", chat.Sender)
		assert.Equal(t, "#lobby", chat.Recipient)
		assert.True(t, chat.IsChannel)
		assert.True(t, chat.IsAction)
		assert.Equal(t, "waves", chat.Body)
	}
}

func TestChannelChatErrors(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")

	s.handleMessage(1, "", protocol.NewPostChat("#nowhere", true, false, "hi"))
	requireError(t, rec.take(1), protocol.ErrCodeChannelDoesNotExist, "#nowhere")

	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	rec.reset()
	s.handleMessage(1, "", protocol.NewPostChat("#lobby", true, false, "hi"))
	requireError(t, rec.take(1), protocol.ErrCodeNotInChannel, "#lobby")
	assert.Empty(t, rec.take(2))
}

func TestDirectChat(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	rec.reset()

	s.handleMessage(1, "", protocol.NewPostChat("bob", false, false, "psst"))
	assert.Empty(t, rec.take(1))
	msgs := rec.take(2)
	require.Len(t, msgs, 1)
	chat := msgs[0].(*protocol.ChatMessage)
	assert.Equal(t, "alice", chat.Sender)
	assert.Equal(t, "bob", chat.Recipient)
	assert.False(t, chat.IsChannel)

	s.handleMessage(1, "", protocol.NewPostChat("nobody", false, false, "hello?"))
	requireError(t, rec.take(1), protocol.ErrCodeUserDoesNotExist, "nobody")
	assert.Empty(t, rec.take(2))
}

func TestChatTooLong(t *testing.T) {
	s, rec := newTestServer(t)
	s.config.MaxMessageLength = 8
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	rec.reset()

	s.handleMessage(1, "", protocol.NewPostChat("bob", false, false, "123456789"))
	requireError(t, rec.take(1), protocol.ErrCodeMessageTooLong, "bob")
	assert.Empty(t, rec.take(2))
}

func TestListQueries(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "bob")
	login(t, s, rec, 2, "alice")
	s.handleMessage(1, "", protocol.NewJoin("#b"))
	s.handleMessage(2, "", protocol.NewJoin("#a"))
	s.handleMessage(1, "", protocol.NewJoin("#a"))
	rec.reset()

	// Queries work before a name is claimed
	s.handleMessage(9, "", protocol.NewListUsers())
	msgs := rec.take(9)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice", "bob"}, msgs[0].(*protocol.UserListMessage).Names)

	s.handleMessage(9, "", protocol.NewListChannels())
	msgs = rec.take(9)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"#a", "#b"}, msgs[0].(*protocol.ChannelListMessage).Names)

	s.handleMessage(9, "", protocol.NewListChannelMembers("#a"))
	msgs = rec.take(9)
	require.Len(t, msgs, 1)
	members := msgs[0].(*protocol.ChannelMembersMessage)
	assert.Equal(t, "#a", members.Channel)
	assert.Equal(t, []string{"alice", "bob"}, members.Names)

	s.handleMessage(9, "", protocol.NewListChannelMembers("#zzz"))
	requireError(t, rec.take(9), protocol.ErrCodeChannelDoesNotExist, "#zzz")
}

// crowd registers n users with maximum-length names straight into the
// directory and joins them all to channel
func crowd(t *testing.T, s *Server, n int, channel string) []string {
	t.Helper()
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("user%016d", i)
		_, err := s.dir.Register(uint64(100+i), names[i], "127.0.0.1")
		require.NoError(t, err)
		_, err = s.dir.Join(uint64(100+i), channel)
		require.NoError(t, err)
	}
	return names
}

func TestLargeListsArePaged(t *testing.T) {
	s, rec := newTestServer(t)
	names := crowd(t, s, 5000, "#crowd")

	s.handleMessage(9, "", protocol.NewListUsers())
	msgs := rec.take(9)
	require.Greater(t, len(msgs), 1)
	var users []string
	for _, msg := range msgs {
		page, ok := msg.(*protocol.UserListMessage)
		require.True(t, ok, "expected USER_LIST, got %s", protocol.TypeName(msg.Type()))
		users = append(users, page.Names...)
	}
	assert.ElementsMatch(t, names, users)

	s.handleMessage(9, "", protocol.NewListChannelMembers("#crowd"))
	msgs = rec.take(9)
	require.Greater(t, len(msgs), 1)
	var members []string
	for _, msg := range msgs {
		page, ok := msg.(*protocol.ChannelMembersMessage)
		require.True(t, ok, "expected CHANNEL_MEMBERS, got %s", protocol.TypeName(msg.Type()))
		assert.Equal(t, "#crowd", page.Channel)
		members = append(members, page.Names...)
	}
	assert.ElementsMatch(t, names, members)
}

func TestUnframeableReplyBecomesError(t *testing.T) {
	s, rec := newTestServer(t)
	names := crowd(t, s, 5000, "#crowd")

	list := protocol.NewUserList(names)
	s.send(9, list)
	requireError(t, rec.take(9), protocol.ErrCodeMessageTooLong, protocol.TypeName(list.Type()))
}

func TestChatTooLargeToFrame(t *testing.T) {
	s, rec := newTestServer(t)
	s.config.MaxMessageLength = 4 * protocol.MaxFrameSize
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	s.handleMessage(1, "", protocol.NewJoin("#lobby"))
	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	rec.reset()

	// Random hex defeats body compression
	noise := make([]byte, protocol.MaxFrameSize)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	body := hex.EncodeToString(noise)
	s.handleMessage(1, "", protocol.NewPostChat("bob", false, false, body))
	requireError(t, rec.take(1), protocol.ErrCodeMessageTooLong, "bob")
	assert.Empty(t, rec.take(2))

	s.handleMessage(1, "", protocol.NewPostChat("#lobby", true, false, body))
	requireError(t, rec.take(1), protocol.ErrCodeMessageTooLong, "#lobby")
	assert.Empty(t, rec.take(2))
}

func TestDisconnectCleansUp(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")
	s.handleMessage(1, "", protocol.NewJoin("#lobby"))
	s.handleMessage(2, "", protocol.NewJoin("#lobby"))
	s.handleMessage(2, "", protocol.NewJoin("#bob"))
	rec.reset()

	s.handleDisconnect(2)

	msgs := rec.take(1)
	require.Len(t, msgs, 2)
	status := msgs[0].(*protocol.ChannelStatusMessage)
	assert.Equal(t, "#bob", status.Channel)
	assert.False(t, status.Added)
	user := msgs[1].(*protocol.UserStatusMessage)
	assert.Equal(t, protocol.UserDisconnected, user.Status)
	assert.Equal(t, "bob", user.Name)

	assert.Equal(t, []string{"#lobby"}, s.dir.Channels())
	assert.Equal(t, []string{"alice"}, s.dir.Names())

	// A second teardown for the same connection is a no-op
	s.handleDisconnect(2)
	assert.Empty(t, rec.take(1))
}

func TestDisconnectMessageClosesConnection(t *testing.T) {
	s, rec := newTestServer(t)
	login(t, s, rec, 1, "alice")

	s.handleMessage(1, "", protocol.NewDisconnect("bye"))
	assert.Equal(t, []transport.ConnID{1}, rec.closed)
}

func TestUnexpectedMessage(t *testing.T) {
	s, rec := newTestServer(t)
	s.handleMessage(1, "", protocol.NewPing())
	requireError(t, rec.take(1), protocol.ErrCodeUnsupported, "PING")
}

func TestSweepStale(t *testing.T) {
	s, rec := newTestServer(t)
	s.config.SessionTimeout = time.Minute
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")

	assert.Zero(t, s.sweepStale(time.Now()))
	assert.Empty(t, rec.closed)

	later := time.Now().Add(2 * time.Minute)
	assert.Equal(t, 2, s.sweepStale(later))
	assert.ElementsMatch(t, []transport.ConnID{1, 2}, rec.closed)

	rec.closed = nil
	s.config.EvictStale = false
	assert.Equal(t, 2, s.sweepStale(later))
	assert.Empty(t, rec.closed)
}

func TestPongRefreshesLastSeen(t *testing.T) {
	s, rec := newTestServer(t)
	s.config.SessionTimeout = 50 * time.Millisecond
	login(t, s, rec, 1, "alice")
	login(t, s, rec, 2, "bob")

	time.Sleep(100 * time.Millisecond)
	s.handleMessage(2, "", protocol.NewPong(time.Now()))

	assert.Equal(t, 1, s.sweepStale(time.Now()))
	assert.Equal(t, []transport.ConnID{1}, rec.closed)
}

func TestRequiresEncryption(t *testing.T) {
	s, _ := newTestServer(t)
	s.config.RequireEncryption = true
	s.config.PlaintextHosts = []string{"10.0.0.5"}

	assert.True(t, s.requiresEncryption("10.0.0.1"))
	assert.False(t, s.requiresEncryption("10.0.0.5"))

	s.config.RequireEncryption = false
	assert.False(t, s.requiresEncryption("10.0.0.1"))
}
