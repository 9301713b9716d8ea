package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrMalformedMessage = errors.New("malformed message body")

// Encode serializes a message into its self-describing frame.
// Format: [Tag (1 byte)][Body Length (2 bytes, big-endian)][Timestamp (8 bytes)][Body]
func Encode(msg Message) ([]byte, error) {
	var body bytes.Buffer
	if err := WriteTimestamp(&body, msg.Created()); err != nil {
		return nil, err
	}
	if err := msg.EncodeBody(&body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeName(msg.Type()), err)
	}
	if MessageHeaderSize+body.Len() > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes, limit %d)",
			TypeName(msg.Type()), ErrMessageTooLarge, MessageHeaderSize+body.Len(), MaxMessageSize)
	}

	frame := make([]byte, MessageHeaderSize, MessageHeaderSize+body.Len())
	frame[0] = msg.Type()
	binary.BigEndian.PutUint16(frame[1:3], uint16(body.Len()))
	return append(frame, body.Bytes()...), nil
}

// EncodeTo writes the frame for msg to w
func EncodeTo(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode parses every message frame in buf, in order.
// On an unknown tag, a truncated frame or a malformed body it stops and returns
// the messages decoded so far together with the error.
func Decode(buf []byte) ([]Message, error) {
	var msgs []Message
	for len(buf) > 0 {
		if len(buf) < MessageHeaderSize {
			return msgs, ErrTruncatedFrame
		}
		tag := buf[0]
		bodyLen := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) < MessageHeaderSize+bodyLen {
			return msgs, fmt.Errorf("%w: %s wants %d body bytes, have %d",
				ErrTruncatedFrame, TypeName(tag), bodyLen, len(buf)-MessageHeaderSize)
		}

		msg := newMessage(tag)
		if msg == nil {
			return msgs, fmt.Errorf("%w: 0x%02X", ErrUnknownType, tag)
		}

		body := bytes.NewReader(buf[MessageHeaderSize : MessageHeaderSize+bodyLen])
		created, err := ReadTimestamp(body)
		if err != nil {
			return msgs, fmt.Errorf("%w: %s: missing timestamp", ErrMalformedMessage, TypeName(tag))
		}
		msg.stamp(created)
		if err := msg.DecodeBody(body); err != nil {
			return msgs, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, TypeName(tag), err)
		}

		msgs = append(msgs, msg)
		buf = buf[MessageHeaderSize+bodyLen:]
	}
	return msgs, nil
}

// newMessage returns an empty message for a tag, or nil if the tag is unknown
func newMessage(tag uint8) Message {
	switch tag {
	case TypeHandshake:
		return &HandshakeMessage{}
	case TypeSetName:
		return &SetNameMessage{}
	case TypeListUsers:
		return &ListUsersMessage{}
	case TypeListChannels:
		return &ListChannelsMessage{}
	case TypeListChannelMembers:
		return &ListChannelMembersMessage{}
	case TypeJoin:
		return &JoinMessage{}
	case TypePart:
		return &PartMessage{}
	case TypePostChat:
		return &PostChatMessage{}
	case TypePong:
		return &PongMessage{}
	case TypeDisconnect:
		return &DisconnectMessage{}
	case TypeNameAccepted:
		return &NameAcceptedMessage{}
	case TypeUserList:
		return &UserListMessage{}
	case TypeChannelList:
		return &ChannelListMessage{}
	case TypeChannelMembers:
		return &ChannelMembersMessage{}
	case TypeMembership:
		return &MembershipMessage{}
	case TypeChannelStatus:
		return &ChannelStatusMessage{}
	case TypeUserStatus:
		return &UserStatusMessage{}
	case TypeChat:
		return &ChatMessage{}
	case TypePing:
		return &PingMessage{}
	case TypeError:
		return &ErrorMessage{}
	default:
		return nil
	}
}

// TypeName returns a human readable name for a message tag, used in logs and metrics
func TypeName(tag uint8) string {
	switch tag {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeSetName:
		return "SET_NAME"
	case TypeListUsers:
		return "LIST_USERS"
	case TypeListChannels:
		return "LIST_CHANNELS"
	case TypeListChannelMembers:
		return "LIST_CHANNEL_MEMBERS"
	case TypeJoin:
		return "JOIN"
	case TypePart:
		return "PART"
	case TypePostChat:
		return "POST_CHAT"
	case TypePong:
		return "PONG"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeNameAccepted:
		return "NAME_ACCEPTED"
	case TypeUserList:
		return "USER_LIST"
	case TypeChannelList:
		return "CHANNEL_LIST"
	case TypeChannelMembers:
		return "CHANNEL_MEMBERS"
	case TypeMembership:
		return "MEMBERSHIP"
	case TypeChannelStatus:
		return "CHANNEL_STATUS"
	case TypeUserStatus:
		return "USER_STATUS"
	case TypeChat:
		return "CHAT"
	case TypePing:
		return "PING"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", tag)
	}
}

// PageNames splits names into consecutive pages whose string list still fits
// in one message. fixed is the encoded size of the message's other body fields,
// not counting the timestamp. Always returns at least one page.
func PageNames(names []string, fixed int) [][]string {
	// timestamp (8) + list count (2)
	budget := MaxMessageSize - MessageHeaderSize - 8 - 2 - fixed

	var pages [][]string
	start, size := 0, 0
	for i, name := range names {
		item := 2 + len(name)
		if i > start && size+item > budget {
			pages = append(pages, names[start:i])
			start, size = i, 0
		}
		size += item
	}
	return append(pages, names[start:])
}
