package pipeline

import (
	"fmt"
	"log"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// Role selects which side of the key exchange a handshake stage plays
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// HandshakeStage negotiates encryption before any application traffic flows.
//
// Client                                  Server
//
//	HANDSHAKE CLIENT_KEY_SENT(pub)   ->
//	                                 <-  HANDSHAKE ENCRYPTION_ON(wrapped) | ENCRYPTION_OFF
//	HANDSHAKE READY                  ->
//	                                 <-  HANDSHAKE READY
//
// Handshake frames are always plaintext. While the stage is present it consumes
// every inbound buffer and drops outbound application traffic. An unexpected
// state poisons the stage: it never finishes and the connection stays unusable.
type HandshakeStage struct {
	role              Role
	engine            *crypto.Engine
	security          *Security
	requireEncryption bool
	poisoned          bool
	logger            *log.Logger
}

// NewServerHandshake builds the server side. requireEncryption is the policy
// decided for this particular connection.
func NewServerHandshake(engine *crypto.Engine, security *Security, requireEncryption bool) *HandshakeStage {
	return &HandshakeStage{
		role:              RoleServer,
		engine:            engine,
		security:          security,
		requireEncryption: requireEncryption,
	}
}

func NewClientHandshake(engine *crypto.Engine, security *Security) *HandshakeStage {
	return &HandshakeStage{
		role:     RoleClient,
		engine:   engine,
		security: security,
	}
}

// SetLogger sets a logger for handshake events
func (h *HandshakeStage) SetLogger(logger *log.Logger) {
	h.logger = logger
}

func (h *HandshakeStage) logf(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Printf("[%s handshake] "+format, append([]interface{}{h.role}, args...)...)
	}
}

func (h *HandshakeStage) Name() string { return "handshake" }

// Poisoned reports whether a protocol-state error left the connection unusable
func (h *HandshakeStage) Poisoned() bool { return h.poisoned }

func (h *HandshakeStage) Start() (Result, error) {
	if h.role == RoleServer {
		return Result{}, nil
	}

	pub, err := h.engine.PublicKey()
	if err != nil {
		return Result{}, err
	}
	h.security.setState(protocol.StateClientKeySent)
	return Result{ToPeer: []protocol.Message{protocol.NewHandshake(protocol.StateClientKeySent, pub)}}, nil
}

func (h *HandshakeStage) Process(dir Direction, data []byte) (Result, error) {
	if dir == Outbound {
		if len(data) > 0 {
			h.logf("dropping outbound %s before handshake completes", protocol.TypeName(data[0]))
		}
		return Result{Consumed: true}, nil
	}

	res := Result{Consumed: true}
	if h.poisoned {
		h.logf("connection unusable, dropping %d bytes", len(data))
		return res, nil
	}

	msgs, decodeErr := protocol.Decode(data)
	if decodeErr != nil {
		h.logf("framing error: %v", decodeErr)
	}
	for i, msg := range msgs {
		hs, ok := msg.(*protocol.HandshakeMessage)
		if !ok {
			h.logf("dropping %s received before handshake completes", protocol.TypeName(msg.Type()))
			continue
		}

		var err error
		if h.role == RoleServer {
			err = h.handleServer(hs, &res)
		} else {
			err = h.handleClient(hs, &res)
		}
		if err != nil {
			return Result{}, err
		}
		if res.Finished || h.poisoned {
			if rest := len(msgs) - i - 1; rest > 0 {
				h.logf("dropping %d messages after handshake step", rest)
			}
			break
		}
	}
	return res, nil
}

func (h *HandshakeStage) handleServer(hs *protocol.HandshakeMessage, res *Result) error {
	current := h.security.State()

	switch hs.State {
	case protocol.StateClientKeySent:
		if current != protocol.StateWaitingForClient {
			h.poison(hs.State, current)
			return nil
		}
		if len(hs.Key) != crypto.PublicKeySize {
			h.logf("client public key has %d bytes, want %d", len(hs.Key), crypto.PublicKeySize)
			h.poisoned = true
			return nil
		}
		h.security.setPeerKey(hs.Key)
		h.security.setState(protocol.StateClientKeySent)

		if !h.requireEncryption {
			h.security.setState(protocol.StateEncryptionOff)
			res.ToPeer = append(res.ToPeer, protocol.NewHandshake(protocol.StateEncryptionOff, nil))
			h.logf("encryption off for this connection")
			return nil
		}

		key := crypto.GenerateSessionKey()
		wrapped, err := crypto.Wrap(key, hs.Key)
		if err != nil {
			key.Destroy()
			return fmt.Errorf("wrap session key: %w", err)
		}
		h.security.setKey(key)
		h.security.setState(protocol.StateEncryptionOn)
		res.ToPeer = append(res.ToPeer, protocol.NewHandshake(protocol.StateEncryptionOn, wrapped))
		return nil

	case protocol.StateReady:
		if current != protocol.StateEncryptionOn && current != protocol.StateEncryptionOff {
			h.poison(hs.State, current)
			return nil
		}
		res.ToPeer = append(res.ToPeer, protocol.NewHandshake(protocol.StateReady, nil))
		h.security.markEstablished()
		res.Finished = true
		return nil

	default:
		h.poison(hs.State, current)
		return nil
	}
}

func (h *HandshakeStage) handleClient(hs *protocol.HandshakeMessage, res *Result) error {
	current := h.security.State()

	switch hs.State {
	case protocol.StateEncryptionOn:
		if current != protocol.StateClientKeySent {
			h.poison(hs.State, current)
			return nil
		}
		key, err := h.engine.Unwrap(hs.Key)
		if err != nil {
			return fmt.Errorf("unwrap session key: %w", err)
		}
		h.security.setKey(key)
		h.security.setState(protocol.StateEncryptionOn)
		res.ToPeer = append(res.ToPeer, protocol.NewHandshake(protocol.StateReady, nil))
		return nil

	case protocol.StateEncryptionOff:
		if current != protocol.StateClientKeySent {
			h.poison(hs.State, current)
			return nil
		}
		h.security.setState(protocol.StateEncryptionOff)
		res.ToPeer = append(res.ToPeer, protocol.NewHandshake(protocol.StateReady, nil))
		return nil

	case protocol.StateReady:
		if current != protocol.StateEncryptionOn && current != protocol.StateEncryptionOff {
			h.poison(hs.State, current)
			return nil
		}
		h.security.markEstablished()
		res.Finished = true
		return nil

	default:
		h.poison(hs.State, current)
		return nil
	}
}

func (h *HandshakeStage) poison(got, current protocol.HandshakeState) {
	h.logf("protocol error: unexpected %s while %s, connection unusable", got, current)
	h.poisoned = true
}
