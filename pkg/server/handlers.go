package server

import (
	"errors"
	"log"
	"regexp"
	"time"

	"github.com/aeolun/securechat/pkg/directory"
	"github.com/aeolun/securechat/pkg/protocol"
	"github.com/aeolun/securechat/pkg/transport"
)

var (
	nameRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	channelRegex = regexp.MustCompile(`^#?[a-zA-Z0-9_.-]+$`)
)

// handleMessage routes one decoded message from a connection. Application
// errors become ERROR replies to that connection; nothing here tears it down
// except an explicit DISCONNECT.
func (s *Server) handleMessage(id transport.ConnID, host string, msg protocol.Message) {
	s.metrics.RecordMessageReceived(protocol.TypeName(msg.Type()))
	s.dir.Touch(uint64(id))

	switch m := msg.(type) {
	case *protocol.SetNameMessage:
		s.handleSetName(id, host, m)
	case *protocol.ListUsersMessage:
		for _, page := range protocol.PageNames(s.dir.Names(), 0) {
			s.send(id, protocol.NewUserList(page))
		}
	case *protocol.ListChannelsMessage:
		for _, page := range protocol.PageNames(s.dir.Channels(), 0) {
			s.send(id, protocol.NewChannelList(page))
		}
	case *protocol.ListChannelMembersMessage:
		s.handleListChannelMembers(id, m)
	case *protocol.JoinMessage:
		s.handleJoin(id, m)
	case *protocol.PartMessage:
		s.handlePart(id, m)
	case *protocol.PostChatMessage:
		s.handlePostChat(id, m)
	case *protocol.PongMessage:
		if !m.Echo.IsZero() {
			debugLog.Printf("Conn %d: pong, rtt %v", id, time.Since(m.Echo))
		}
	case *protocol.DisconnectMessage:
		debugLog.Printf("Conn %d: client disconnecting (%q)", id, m.Reason)
		if err := s.sender.Close(id); err != nil {
			debugLog.Printf("Conn %d: close: %v", id, err)
		}
	default:
		debugLog.Printf("Conn %d: unexpected %s", id, protocol.TypeName(msg.Type()))
		s.sendError(id, protocol.ErrCodeUnsupported, protocol.TypeName(msg.Type()))
	}
}

func (s *Server) validName(name string) bool {
	return len(name) <= s.config.MaxNameLength && nameRegex.MatchString(name)
}

func (s *Server) validChannel(name string) bool {
	return len(name) <= s.config.MaxChannelNameLength && channelRegex.MatchString(name)
}

// registered returns the user bound to id, replying MUST_SET_USERNAME_FIRST if there is none
func (s *Server) registered(id transport.ConnID, value string) (directory.User, bool) {
	user, ok := s.dir.UserByConn(uint64(id))
	if !ok {
		s.sendError(id, protocol.ErrCodeMustSetUsernameFirst, value)
	}
	return user, ok
}

func (s *Server) handleSetName(id transport.ConnID, host string, msg *protocol.SetNameMessage) {
	if !s.validName(msg.Name) {
		s.sendError(id, protocol.ErrCodeInvalidName, msg.Name)
		return
	}

	if _, ok := s.dir.UserByConn(uint64(id)); ok {
		previous, err := s.dir.Rename(uint64(id), msg.Name)
		if err != nil {
			s.nameRejected(id, msg.Name, err)
			return
		}
		s.send(id, protocol.NewNameAccepted(msg.Name, previous))
		if previous != msg.Name {
			log.Printf("Conn %d: %s is now known as %s", id, previous, msg.Name)
			s.broadcast(protocol.NewUserStatus(protocol.UserRenamed, msg.Name, previous), id)
		}
		return
	}

	user, err := s.dir.Register(uint64(id), msg.Name, host)
	if err != nil {
		s.nameRejected(id, msg.Name, err)
		return
	}
	s.metrics.RecordOnlineUsers(s.dir.Count())
	log.Printf("Conn %d: %s connected from %s", id, user.Name, host)

	s.send(id, protocol.NewNameAccepted(user.Name, ""))
	s.broadcast(protocol.NewUserStatus(protocol.UserConnected, user.Name, ""), id)
}

func (s *Server) nameRejected(id transport.ConnID, name string, err error) {
	if errors.Is(err, directory.ErrNameInUse) {
		debugLog.Printf("Conn %d: name %s already in use", id, name)
		s.sendError(id, protocol.ErrCodeUsernameInUse, name)
		return
	}
	errorLog.Printf("Conn %d: set name %s: %v", id, name, err)
	s.sendError(id, protocol.ErrCodeInvalidName, name)
}

func (s *Server) handleListChannelMembers(id transport.ConnID, msg *protocol.ListChannelMembersMessage) {
	members, err := s.dir.Members(msg.Channel)
	if err != nil {
		s.sendError(id, protocol.ErrCodeChannelDoesNotExist, msg.Channel)
		return
	}
	for _, page := range protocol.PageNames(userNames(members), 2+len(msg.Channel)) {
		s.send(id, protocol.NewChannelMembers(msg.Channel, page))
	}
}

func (s *Server) handleJoin(id transport.ConnID, msg *protocol.JoinMessage) {
	user, ok := s.registered(id, msg.Channel)
	if !ok {
		return
	}
	if !s.validChannel(msg.Channel) {
		s.sendError(id, protocol.ErrCodeInvalidName, msg.Channel)
		return
	}

	res, err := s.dir.Join(uint64(id), msg.Channel)
	if err != nil {
		// The user vanished between the lookup and the join (disconnect race)
		debugLog.Printf("Conn %d: join %s: %v", id, msg.Channel, err)
		return
	}

	if res.Created {
		debugLog.Printf("Conn %d: %s created %s", id, user.Name, msg.Channel)
		s.broadcast(protocol.NewChannelStatus(msg.Channel, true), 0)
	}
	for _, other := range res.Others {
		s.send(transport.ConnID(other.ConnID), protocol.NewMembership(msg.Channel, user.Name, true))
	}
	// Confirmation to the joiner, also when already a member
	s.send(id, protocol.NewMembership(msg.Channel, user.Name, true))
}

func (s *Server) handlePart(id transport.ConnID, msg *protocol.PartMessage) {
	user, ok := s.registered(id, msg.Channel)
	if !ok {
		return
	}

	res, err := s.dir.Part(uint64(id), msg.Channel)
	switch {
	case errors.Is(err, directory.ErrNoSuchChannel):
		s.sendError(id, protocol.ErrCodeChannelDoesNotExist, msg.Channel)
		return
	case errors.Is(err, directory.ErrNotMember):
		s.sendError(id, protocol.ErrCodeNotInChannel, msg.Channel)
		return
	case err != nil:
		debugLog.Printf("Conn %d: part %s: %v", id, msg.Channel, err)
		return
	}

	s.send(id, protocol.NewMembership(msg.Channel, user.Name, false))
	if res.Removed {
		debugLog.Printf("Conn %d: %s was the last member of %s", id, user.Name, msg.Channel)
		s.broadcast(protocol.NewChannelStatus(msg.Channel, false), 0)
		return
	}
	for _, other := range res.Remaining {
		s.send(transport.ConnID(other.ConnID), protocol.NewMembership(msg.Channel, user.Name, false))
	}
}

func (s *Server) handlePostChat(id transport.ConnID, msg *protocol.PostChatMessage) {
	sender, ok := s.registered(id, msg.Recipient)
	if !ok {
		return
	}
	if len(msg.Body) > s.config.MaxMessageLength {
		s.sendError(id, protocol.ErrCodeMessageTooLong, msg.Recipient)
		return
	}

	if !msg.IsChannel {
		target, ok := s.dir.UserByName(msg.Recipient)
		if !ok {
			s.sendError(id, protocol.ErrCodeUserDoesNotExist, msg.Recipient)
			return
		}
		chat := protocol.NewChat(sender.Name, target.Name, false, msg.IsAction, msg.Body)
		if s.fits(id, chat, msg.Recipient) {
			s.send(transport.ConnID(target.ConnID), chat)
		}
		return
	}

	members, err := s.dir.Members(msg.Recipient)
	if err != nil {
		s.sendError(id, protocol.ErrCodeChannelDoesNotExist, msg.Recipient)
		return
	}
	if !containsUser(members, sender) {
		s.sendError(id, protocol.ErrCodeNotInChannel, msg.Recipient)
		return
	}

	chat := protocol.NewChat(sender.Name, msg.Recipient, true, msg.IsAction, msg.Body)
	if !s.fits(id, chat, msg.Recipient) {
		return
	}
	for _, member := range members {
		if member.ID == sender.ID {
			continue
		}
		s.send(transport.ConnID(member.ConnID), chat)
	}
}

// handleDisconnect releases everything the connection's user held. Called once
// per connection from its read goroutine after the socket is closed.
func (s *Server) handleDisconnect(id transport.ConnID) {
	removal, ok := s.dir.Remove(uint64(id))
	if !ok {
		return
	}
	s.metrics.RecordOnlineUsers(s.dir.Count())
	log.Printf("Conn %d: %s disconnected", id, removal.User.Name)

	for _, channel := range removal.Emptied {
		s.broadcast(protocol.NewChannelStatus(channel, false), 0)
	}
	for channel, remaining := range removal.Left {
		debugLog.Printf("Conn %d: %s left %s (%d remaining)", id, removal.User.Name, channel, len(remaining))
	}
	s.broadcast(protocol.NewUserStatus(protocol.UserDisconnected, removal.User.Name, ""), 0)
}

// broadcast sends msg to every online user except the one on conn except
// (0 = nobody). Status changes pass their subject as except: the subject
// learns the outcome from its own reply, so a user never sees its own
// USER_STATUS connected notice.
func (s *Server) broadcast(msg protocol.Message, except transport.ConnID) {
	for _, user := range s.dir.Users() {
		if transport.ConnID(user.ConnID) == except {
			continue
		}
		s.send(transport.ConnID(user.ConnID), msg)
	}
}

// send delivers msg to one connection. A message too large to frame is logged
// as an error and answered with MESSAGE_TOO_LONG.
func (s *Server) send(id transport.ConnID, msg protocol.Message) {
	name := protocol.TypeName(msg.Type())
	err := s.sender.Send(id, msg)
	switch {
	case err == nil:
		s.metrics.RecordMessageSent(name)
	case errors.Is(err, protocol.ErrMessageTooLarge):
		errorLog.Printf("Conn %d: dropped %s: %v", id, name, err)
		if _, isError := msg.(*protocol.ErrorMessage); !isError {
			s.sendError(id, protocol.ErrCodeMessageTooLong, name)
		}
	default:
		debugLog.Printf("Conn %d: send %s: %v", id, name, err)
	}
}

// fits reports whether chat can be framed, replying MESSAGE_TOO_LONG to the
// sender on conn id when it cannot
func (s *Server) fits(id transport.ConnID, chat *protocol.ChatMessage, recipient string) bool {
	if _, err := protocol.Encode(chat); err != nil {
		debugLog.Printf("Conn %d: chat to %s rejected: %v", id, recipient, err)
		s.sendError(id, protocol.ErrCodeMessageTooLong, recipient)
		return false
	}
	return true
}

func (s *Server) sendError(id transport.ConnID, code protocol.ErrorCode, value string) {
	debugLog.Printf("Conn %d: error %s (%s)", id, code, value)
	s.send(id, protocol.NewError(code, value))
}

func userNames(users []directory.User) []string {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Name
	}
	return names
}

func containsUser(users []directory.User, user directory.User) bool {
	for _, u := range users {
		if u.ID == user.ID {
			return true
		}
	}
	return false
}
