package pipeline

import (
	"bytes"
	"errors"
	"sync"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

var ErrClosed = errors.New("connection security destroyed")

// Security is the negotiated state of one connection, shared by its handshake
// and chat stages
type Security struct {
	mu          sync.RWMutex
	state       protocol.HandshakeState
	key         *crypto.SessionKey
	peerKey     []byte
	established bool
	closed      bool
}

func NewSecurity() *Security {
	return &Security{state: protocol.StateWaitingForClient}
}

func (s *Security) State() protocol.HandshakeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Security) setState(state protocol.HandshakeState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Key returns the session key, or nil when traffic is plaintext
func (s *Security) Key() *crypto.SessionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

func (s *Security) setKey(key *crypto.SessionKey) {
	s.mu.Lock()
	old := s.key
	s.key = key
	s.mu.Unlock()
	if old != nil && old != key {
		old.Destroy()
	}
}

// PeerKey returns the peer's public key as received during the handshake
func (s *Security) PeerKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerKey
}

func (s *Security) setPeerKey(key []byte) {
	s.mu.Lock()
	s.peerKey = append([]byte(nil), key...)
	s.mu.Unlock()
}

// Established reports whether the handshake has completed
func (s *Security) Established() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.established
}

func (s *Security) markEstablished() {
	s.mu.Lock()
	s.state = protocol.StateReady
	s.established = true
	s.mu.Unlock()
}

// Encrypted reports whether traffic on the wire is now cipher containers.
// Handshake frames are always plaintext, so this only turns on once the
// handshake has completed with a session key.
func (s *Security) Encrypted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.established && s.key != nil
}

// Closed reports whether Destroy has been called
func (s *Security) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Destroy wipes the session key. The record is unusable afterwards.
func (s *Security) Destroy() {
	s.mu.Lock()
	key := s.key
	s.key = nil
	s.closed = true
	s.mu.Unlock()
	key.Destroy()
}

// seal encrypts a frame under the session key, or returns it unchanged when
// the connection negotiated plaintext
func (s *Security) seal(frame []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.key == nil {
		return frame, nil
	}
	return crypto.Encrypt(s.key, frame)
}

// open decrypts every container in data and joins the plaintext, or returns
// data unchanged when the connection negotiated plaintext
func (s *Security) open(data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.key == nil {
		return data, nil
	}
	chunks, err := crypto.Decrypt(s.key, data)
	if err != nil {
		return nil, err
	}
	return bytes.Join(chunks, nil), nil
}
