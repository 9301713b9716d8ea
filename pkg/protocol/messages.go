package protocol

import (
	"fmt"
	"io"
	"time"
)

// Message is a typed unit of application data. Every message carries the time
// it was created; the codec writes that timestamp ahead of the type-specific body.
type Message interface {
	// Type returns the header tag for this message
	Type() uint8
	// Created returns the creation timestamp (millisecond precision)
	Created() time.Time
	// EncodeBody serializes the type-specific fields
	EncodeBody(w io.Writer) error
	// DecodeBody deserializes the type-specific fields
	DecodeBody(r io.Reader) error

	stamp(t time.Time)
}

// Header holds the fields shared by every message
type Header struct {
	Timestamp time.Time
}

func (h *Header) Created() time.Time { return h.Timestamp }

func (h *Header) stamp(t time.Time) { h.Timestamp = t }

// populate stamps a new message with the current time, truncated to what the wire can carry
func populate() Header {
	return Header{Timestamp: time.UnixMilli(time.Now().UnixMilli())}
}

// Message type constants (Client → Server, and the handshake which flows both ways)
const (
	TypeHandshake          = 0x01
	TypeSetName            = 0x02
	TypeListUsers          = 0x04
	TypeListChannels       = 0x05
	TypeListChannelMembers = 0x06
	TypeJoin               = 0x07
	TypePart               = 0x08
	TypePostChat           = 0x0A
	TypePong               = 0x10
	TypeDisconnect         = 0x11
)

// Message type constants (Server → Client)
const (
	TypeNameAccepted   = 0x83
	TypeUserList       = 0x84
	TypeChannelList    = 0x85
	TypeChannelMembers = 0x86
	TypeMembership     = 0x87
	TypeChannelStatus  = 0x88
	TypeUserStatus     = 0x89
	TypeChat           = 0x8A
	TypePing           = 0x90
	TypeError          = 0x91
)

// ErrorCode identifies an application error reported back to a client
type ErrorCode uint16

const (
	ErrCodeUsernameInUse        ErrorCode = 4001
	ErrCodeChannelDoesNotExist  ErrorCode = 4002
	ErrCodeUserDoesNotExist     ErrorCode = 4003
	ErrCodeMustSetUsernameFirst ErrorCode = 4004
	ErrCodeNotInChannel         ErrorCode = 4005
	ErrCodeInvalidName          ErrorCode = 6001
	ErrCodeMessageTooLong       ErrorCode = 6002
	ErrCodeUnsupported          ErrorCode = 1001
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUsernameInUse:
		return "username in use"
	case ErrCodeChannelDoesNotExist:
		return "channel does not exist"
	case ErrCodeUserDoesNotExist:
		return "user does not exist"
	case ErrCodeMustSetUsernameFirst:
		return "must set username first"
	case ErrCodeNotInChannel:
		return "not in channel"
	case ErrCodeInvalidName:
		return "invalid name"
	case ErrCodeMessageTooLong:
		return "message too long"
	case ErrCodeUnsupported:
		return "unsupported message type"
	default:
		return fmt.Sprintf("error %d", uint16(c))
	}
}

// HandshakeState is the state value carried by a HANDSHAKE message
type HandshakeState uint8

const (
	StateWaitingForClient HandshakeState = iota
	StateClientKeySent
	StateEncryptionOn
	StateEncryptionOff
	StateReady
)

func (s HandshakeState) String() string {
	switch s {
	case StateWaitingForClient:
		return "WAITING_FOR_CLIENT"
	case StateClientKeySent:
		return "CLIENT_KEY_SENT"
	case StateEncryptionOn:
		return "ENCRYPTION_ON"
	case StateEncryptionOff:
		return "ENCRYPTION_OFF"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// UserStatus is the kind of change announced by a USER_STATUS message
type UserStatus uint8

const (
	UserConnected UserStatus = iota + 1
	UserDisconnected
	UserRenamed
)

// Chat body flags
const (
	FlagCompressed = 0x01
)

// HandshakeMessage (0x01) - Key exchange step.
// Key holds the client public key (CLIENT_KEY_SENT) or the wrapped session key (ENCRYPTION_ON).
type HandshakeMessage struct {
	Header
	State HandshakeState
	Key   []byte
}

func NewHandshake(state HandshakeState, key []byte) *HandshakeMessage {
	return &HandshakeMessage{Header: populate(), State: state, Key: key}
}

func (m *HandshakeMessage) Type() uint8 { return TypeHandshake }

func (m *HandshakeMessage) EncodeBody(w io.Writer) error {
	if err := WriteUint8(w, uint8(m.State)); err != nil {
		return err
	}
	return WriteBytes(w, m.Key)
}

func (m *HandshakeMessage) DecodeBody(r io.Reader) error {
	state, err := ReadUint8(r)
	if err != nil {
		return err
	}
	key, err := ReadBytes(r)
	if err != nil {
		return err
	}
	m.State = HandshakeState(state)
	m.Key = key
	return nil
}

// SetNameMessage (0x02) - Claim or change a display name
type SetNameMessage struct {
	Header
	Name string
}

func NewSetName(name string) *SetNameMessage {
	return &SetNameMessage{Header: populate(), Name: name}
}

func (m *SetNameMessage) Type() uint8 { return TypeSetName }

func (m *SetNameMessage) EncodeBody(w io.Writer) error {
	return WriteString(w, m.Name)
}

func (m *SetNameMessage) DecodeBody(r io.Reader) error {
	name, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Name = name
	return nil
}

// NameAcceptedMessage (0x83) - Response to SET_NAME on success.
// Previous is empty for an initial registration.
type NameAcceptedMessage struct {
	Header
	Name     string
	Previous string
}

func NewNameAccepted(name, previous string) *NameAcceptedMessage {
	return &NameAcceptedMessage{Header: populate(), Name: name, Previous: previous}
}

func (m *NameAcceptedMessage) Type() uint8 { return TypeNameAccepted }

func (m *NameAcceptedMessage) EncodeBody(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteString(w, m.Previous)
}

func (m *NameAcceptedMessage) DecodeBody(r io.Reader) error {
	name, err := ReadString(r)
	if err != nil {
		return err
	}
	previous, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Name = name
	m.Previous = previous
	return nil
}

// ListUsersMessage (0x04) - Request the online user list
type ListUsersMessage struct {
	Header
}

func NewListUsers() *ListUsersMessage { return &ListUsersMessage{Header: populate()} }

func (m *ListUsersMessage) Type() uint8                  { return TypeListUsers }
func (m *ListUsersMessage) EncodeBody(w io.Writer) error { return nil }
func (m *ListUsersMessage) DecodeBody(r io.Reader) error { return nil }

// UserListMessage (0x84) - Online user names
type UserListMessage struct {
	Header
	Names []string
}

func NewUserList(names []string) *UserListMessage {
	return &UserListMessage{Header: populate(), Names: names}
}

func (m *UserListMessage) Type() uint8 { return TypeUserList }

func (m *UserListMessage) EncodeBody(w io.Writer) error {
	return WriteStrings(w, m.Names)
}

func (m *UserListMessage) DecodeBody(r io.Reader) error {
	names, err := ReadStrings(r)
	if err != nil {
		return err
	}
	m.Names = names
	return nil
}

// ListChannelsMessage (0x05) - Request the channel list
type ListChannelsMessage struct {
	Header
}

func NewListChannels() *ListChannelsMessage { return &ListChannelsMessage{Header: populate()} }

func (m *ListChannelsMessage) Type() uint8                  { return TypeListChannels }
func (m *ListChannelsMessage) EncodeBody(w io.Writer) error { return nil }
func (m *ListChannelsMessage) DecodeBody(r io.Reader) error { return nil }

// ChannelListMessage (0x85) - Existing channel names
type ChannelListMessage struct {
	Header
	Names []string
}

func NewChannelList(names []string) *ChannelListMessage {
	return &ChannelListMessage{Header: populate(), Names: names}
}

func (m *ChannelListMessage) Type() uint8 { return TypeChannelList }

func (m *ChannelListMessage) EncodeBody(w io.Writer) error {
	return WriteStrings(w, m.Names)
}

func (m *ChannelListMessage) DecodeBody(r io.Reader) error {
	names, err := ReadStrings(r)
	if err != nil {
		return err
	}
	m.Names = names
	return nil
}

// ListChannelMembersMessage (0x06) - Request the members of one channel
type ListChannelMembersMessage struct {
	Header
	Channel string
}

func NewListChannelMembers(channel string) *ListChannelMembersMessage {
	return &ListChannelMembersMessage{Header: populate(), Channel: channel}
}

func (m *ListChannelMembersMessage) Type() uint8 { return TypeListChannelMembers }

func (m *ListChannelMembersMessage) EncodeBody(w io.Writer) error {
	return WriteString(w, m.Channel)
}

func (m *ListChannelMembersMessage) DecodeBody(r io.Reader) error {
	channel, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Channel = channel
	return nil
}

// ChannelMembersMessage (0x86) - Members of one channel
type ChannelMembersMessage struct {
	Header
	Channel string
	Names   []string
}

func NewChannelMembers(channel string, names []string) *ChannelMembersMessage {
	return &ChannelMembersMessage{Header: populate(), Channel: channel, Names: names}
}

func (m *ChannelMembersMessage) Type() uint8 { return TypeChannelMembers }

func (m *ChannelMembersMessage) EncodeBody(w io.Writer) error {
	if err := WriteString(w, m.Channel); err != nil {
		return err
	}
	return WriteStrings(w, m.Names)
}

func (m *ChannelMembersMessage) DecodeBody(r io.Reader) error {
	channel, err := ReadString(r)
	if err != nil {
		return err
	}
	names, err := ReadStrings(r)
	if err != nil {
		return err
	}
	m.Channel = channel
	m.Names = names
	return nil
}

// JoinMessage (0x07) - Join a channel, creating it if needed
type JoinMessage struct {
	Header
	Channel string
}

func NewJoin(channel string) *JoinMessage {
	return &JoinMessage{Header: populate(), Channel: channel}
}

func (m *JoinMessage) Type() uint8 { return TypeJoin }

func (m *JoinMessage) EncodeBody(w io.Writer) error {
	return WriteString(w, m.Channel)
}

func (m *JoinMessage) DecodeBody(r io.Reader) error {
	channel, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Channel = channel
	return nil
}

// PartMessage (0x08) - Leave a channel
type PartMessage struct {
	Header
	Channel string
}

func NewPart(channel string) *PartMessage {
	return &PartMessage{Header: populate(), Channel: channel}
}

func (m *PartMessage) Type() uint8 { return TypePart }

func (m *PartMessage) EncodeBody(w io.Writer) error {
	return WriteString(w, m.Channel)
}

func (m *PartMessage) DecodeBody(r io.Reader) error {
	channel, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Channel = channel
	return nil
}

// MembershipMessage (0x87) - A user joined or parted a channel the receiver is in
type MembershipMessage struct {
	Header
	Channel string
	User    string
	Joined  bool
}

func NewMembership(channel, user string, joined bool) *MembershipMessage {
	return &MembershipMessage{Header: populate(), Channel: channel, User: user, Joined: joined}
}

func (m *MembershipMessage) Type() uint8 { return TypeMembership }

func (m *MembershipMessage) EncodeBody(w io.Writer) error {
	if err := WriteString(w, m.Channel); err != nil {
		return err
	}
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	return WriteBool(w, m.Joined)
}

func (m *MembershipMessage) DecodeBody(r io.Reader) error {
	channel, err := ReadString(r)
	if err != nil {
		return err
	}
	user, err := ReadString(r)
	if err != nil {
		return err
	}
	joined, err := ReadBool(r)
	if err != nil {
		return err
	}
	m.Channel = channel
	m.User = user
	m.Joined = joined
	return nil
}

// ChannelStatusMessage (0x88) - A channel was created or removed
type ChannelStatusMessage struct {
	Header
	Channel string
	Added   bool
}

func NewChannelStatus(channel string, created bool) *ChannelStatusMessage {
	return &ChannelStatusMessage{Header: populate(), Channel: channel, Added: created}
}

func (m *ChannelStatusMessage) Type() uint8 { return TypeChannelStatus }

func (m *ChannelStatusMessage) EncodeBody(w io.Writer) error {
	if err := WriteString(w, m.Channel); err != nil {
		return err
	}
	return WriteBool(w, m.Added)
}

func (m *ChannelStatusMessage) DecodeBody(r io.Reader) error {
	channel, err := ReadString(r)
	if err != nil {
		return err
	}
	created, err := ReadBool(r)
	if err != nil {
		return err
	}
	m.Channel = channel
	m.Added = created
	return nil
}

// UserStatusMessage (0x89) - A user connected, disconnected or was renamed.
// Previous is only set for UserRenamed.
type UserStatusMessage struct {
	Header
	Status   UserStatus
	Name     string
	Previous string
}

func NewUserStatus(status UserStatus, name, previous string) *UserStatusMessage {
	return &UserStatusMessage{Header: populate(), Status: status, Name: name, Previous: previous}
}

func (m *UserStatusMessage) Type() uint8 { return TypeUserStatus }

func (m *UserStatusMessage) EncodeBody(w io.Writer) error {
	if err := WriteUint8(w, uint8(m.Status)); err != nil {
		return err
	}
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteString(w, m.Previous)
}

func (m *UserStatusMessage) DecodeBody(r io.Reader) error {
	status, err := ReadUint8(r)
	if err != nil {
		return err
	}
	name, err := ReadString(r)
	if err != nil {
		return err
	}
	previous, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Status = UserStatus(status)
	m.Name = name
	m.Previous = previous
	return nil
}

// PostChatMessage (0x0A) - Send a chat line to a user or channel
type PostChatMessage struct {
	Header
	Recipient string
	IsChannel bool
	IsAction  bool
	Body      string
}

func NewPostChat(recipient string, isChannel, isAction bool, body string) *PostChatMessage {
	return &PostChatMessage{Header: populate(), Recipient: recipient, IsChannel: isChannel, IsAction: isAction, Body: body}
}

func (m *PostChatMessage) Type() uint8 { return TypePostChat }

func (m *PostChatMessage) EncodeBody(w io.Writer) error {
	if err := WriteString(w, m.Recipient); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsChannel); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsAction); err != nil {
		return err
	}
	return writeChatBody(w, m.Body)
}

func (m *PostChatMessage) DecodeBody(r io.Reader) error {
	recipient, err := ReadString(r)
	if err != nil {
		return err
	}
	isChannel, err := ReadBool(r)
	if err != nil {
		return err
	}
	isAction, err := ReadBool(r)
	if err != nil {
		return err
	}
	body, err := readChatBody(r)
	if err != nil {
		return err
	}
	m.Recipient = recipient
	m.IsChannel = isChannel
	m.IsAction = isAction
	m.Body = body
	return nil
}

// ChatMessage (0x8A) - A chat line delivered to a recipient
type ChatMessage struct {
	Header
	Sender    string
	Recipient string
	IsChannel bool
	IsAction  bool
	Body      string
}

func NewChat(sender, recipient string, isChannel, isAction bool, body string) *ChatMessage {
	return &ChatMessage{Header: populate(), Sender: sender, Recipient: recipient, IsChannel: isChannel, IsAction: isAction, Body: body}
}

func (m *ChatMessage) Type() uint8 { return TypeChat }

func (m *ChatMessage) EncodeBody(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Recipient); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsChannel); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsAction); err != nil {
		return err
	}
	return writeChatBody(w, m.Body)
}

func (m *ChatMessage) DecodeBody(r io.Reader) error {
	sender, err := ReadString(r)
	if err != nil {
		return err
	}
	recipient, err := ReadString(r)
	if err != nil {
		return err
	}
	isChannel, err := ReadBool(r)
	if err != nil {
		return err
	}
	isAction, err := ReadBool(r)
	if err != nil {
		return err
	}
	body, err := readChatBody(r)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.Recipient = recipient
	m.IsChannel = isChannel
	m.IsAction = isAction
	m.Body = body
	return nil
}

// writeChatBody writes [Flags][Body bytes], LZ4-compressing large bodies
func writeChatBody(w io.Writer, body string) error {
	data := []byte(body)
	var flags uint8
	if len(data) >= CompressionThreshold {
		if compressed, ok := CompressPayload(data); ok {
			data = compressed
			flags |= FlagCompressed
		}
	}
	if err := WriteUint8(w, flags); err != nil {
		return err
	}
	return WriteBytes(w, data)
}

func readChatBody(r io.Reader) (string, error) {
	flags, err := ReadUint8(r)
	if err != nil {
		return "", err
	}
	data, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	if flags&FlagCompressed != 0 {
		data, err = DecompressPayload(data)
		if err != nil {
			return "", err
		}
	}
	return string(data), nil
}

// PingMessage (0x90) - Server keepalive; its creation timestamp is what gets echoed
type PingMessage struct {
	Header
}

func NewPing() *PingMessage { return &PingMessage{Header: populate()} }

func (m *PingMessage) Type() uint8                  { return TypePing }
func (m *PingMessage) EncodeBody(w io.Writer) error { return nil }
func (m *PingMessage) DecodeBody(r io.Reader) error { return nil }

// PongMessage (0x10) - Keepalive reply echoing the ping timestamp
type PongMessage struct {
	Header
	Echo time.Time
}

func NewPong(echo time.Time) *PongMessage {
	return &PongMessage{Header: populate(), Echo: echo}
}

func (m *PongMessage) Type() uint8 { return TypePong }

func (m *PongMessage) EncodeBody(w io.Writer) error {
	return WriteTimestamp(w, m.Echo)
}

func (m *PongMessage) DecodeBody(r io.Reader) error {
	echo, err := ReadTimestamp(r)
	if err != nil {
		return err
	}
	m.Echo = echo
	return nil
}

// DisconnectMessage (0x11) - Graceful client disconnect
type DisconnectMessage struct {
	Header
	Reason string
}

func NewDisconnect(reason string) *DisconnectMessage {
	return &DisconnectMessage{Header: populate(), Reason: reason}
}

func (m *DisconnectMessage) Type() uint8 { return TypeDisconnect }

func (m *DisconnectMessage) EncodeBody(w io.Writer) error {
	return WriteString(w, m.Reason)
}

func (m *DisconnectMessage) DecodeBody(r io.Reader) error {
	reason, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Reason = reason
	return nil
}

// ErrorMessage (0x91) - Application error; Value names the rejected input
type ErrorMessage struct {
	Header
	Code  ErrorCode
	Value string
}

func NewError(code ErrorCode, value string) *ErrorMessage {
	return &ErrorMessage{Header: populate(), Code: code, Value: value}
}

func (m *ErrorMessage) Type() uint8 { return TypeError }

func (m *ErrorMessage) EncodeBody(w io.Writer) error {
	if err := WriteUint16(w, uint16(m.Code)); err != nil {
		return err
	}
	return WriteString(w, m.Value)
}

func (m *ErrorMessage) DecodeBody(r io.Reader) error {
	code, err := ReadUint16(r)
	if err != nil {
		return err
	}
	value, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Code = ErrorCode(code)
	m.Value = value
	return nil
}

func (m *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", m.Code, m.Value)
}

// Compile-time interface checks
var (
	_ Message = (*HandshakeMessage)(nil)
	_ Message = (*SetNameMessage)(nil)
	_ Message = (*ListUsersMessage)(nil)
	_ Message = (*ListChannelsMessage)(nil)
	_ Message = (*ListChannelMembersMessage)(nil)
	_ Message = (*JoinMessage)(nil)
	_ Message = (*PartMessage)(nil)
	_ Message = (*PostChatMessage)(nil)
	_ Message = (*PongMessage)(nil)
	_ Message = (*DisconnectMessage)(nil)

	_ Message = (*NameAcceptedMessage)(nil)
	_ Message = (*UserListMessage)(nil)
	_ Message = (*ChannelListMessage)(nil)
	_ Message = (*ChannelMembersMessage)(nil)
	_ Message = (*MembershipMessage)(nil)
	_ Message = (*ChannelStatusMessage)(nil)
	_ Message = (*UserStatusMessage)(nil)
	_ Message = (*ChatMessage)(nil)
	_ Message = (*PingMessage)(nil)
	_ Message = (*ErrorMessage)(nil)
)
