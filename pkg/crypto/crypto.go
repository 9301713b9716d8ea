// Package crypto bootstraps per-connection encryption: a Curve25519 keypair whose
// public half wraps a random AES-256 session key (sealed boxes), and AES-256-GCM
// containers for the traffic that follows.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicKeySize is the size of a Curve25519 public key
	PublicKeySize = 32

	// SessionKeySize is the size of AES-256 session keys
	SessionKeySize = 32

	// IVSize is the size of the per-container AES-GCM nonce
	IVSize = 12

	// TagSize is the size of AES-GCM authentication tags
	TagSize = 16

	// containerHeaderSize is the two u32 length fields of a container
	containerHeaderSize = 8
)

var (
	ErrInvalidKeySize     = errors.New("invalid key size")
	ErrMalformedContainer = errors.New("malformed cipher container")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrUnwrapFailed       = errors.New("session key unwrap failed")
	ErrKeyDestroyed       = errors.New("key material destroyed")
)

// SessionKey is a symmetric key. It belongs to exactly one connection and must
// be destroyed when that connection closes. Session keys are not mlocked: a
// server holds one per connection, and locked pages are a scarce per-process
// budget. Only the engine's long-lived private key is kept in a LockedBuffer.
type SessionKey struct {
	mu  sync.RWMutex
	raw []byte
	gcm cipher.AEAD
}

// GenerateSessionKey creates a fresh random AES-256 key
func GenerateSessionKey() *SessionKey {
	raw := make([]byte, SessionKeySize)
	rand.Read(raw)
	key, err := newSessionKey(raw)
	if err != nil {
		// AES-256 accepts every 32 byte key
		panic(err)
	}
	return key
}

// SessionKeyFromBytes copies raw key bytes into a new key.
// The input slice is wiped.
func SessionKeyFromBytes(raw []byte) (*SessionKey, error) {
	defer memguard.WipeBytes(raw)
	if len(raw) != SessionKeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", ErrInvalidKeySize, SessionKeySize, len(raw))
	}
	own := make([]byte, SessionKeySize)
	copy(own, raw)
	return newSessionKey(own)
}

// newSessionKey takes ownership of raw
func newSessionKey(raw []byte) (*SessionKey, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SessionKey{raw: raw, gcm: gcm}, nil
}

// Destroy wipes the key. Safe to call more than once and on nil.
func (k *SessionKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.raw != nil {
		memguard.WipeBytes(k.raw)
		k.raw = nil
		k.gcm = nil
	}
}

// Alive reports whether the key can still be used
func (k *SessionKey) Alive() bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.raw != nil
}

func (k *SessionKey) aead() (cipher.AEAD, error) {
	if k == nil {
		return nil, ErrKeyDestroyed
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.gcm == nil {
		return nil, ErrKeyDestroyed
	}
	return k.gcm, nil
}

// KeyPair is a Curve25519 keypair; the private half lives in guarded memory
type KeyPair struct {
	Public  [PublicKeySize]byte
	private *memguard.LockedBuffer
}

// Engine owns the local keypair of one process identity (a server, or one client).
// The keypair is generated on first use and cached.
type Engine struct {
	mu   sync.Mutex
	keys *KeyPair
}

func NewEngine() *Engine {
	return &Engine{}
}

// KeyPair returns the cached keypair, generating it on first call
func (e *Engine) KeyPair() (*KeyPair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keys != nil {
		return e.keys, nil
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	e.keys = &KeyPair{
		Public:  *pub,
		private: memguard.NewBufferFromBytes(priv[:]),
	}
	return e.keys, nil
}

// PublicKey returns a copy of the local public key
func (e *Engine) PublicKey() ([]byte, error) {
	kp, err := e.KeyPair()
	if err != nil {
		return nil, err
	}
	pub := make([]byte, PublicKeySize)
	copy(pub, kp.Public[:])
	return pub, nil
}

// Unwrap opens a session key sealed to this engine's public key
func (e *Engine) Unwrap(sealed []byte) (*SessionKey, error) {
	kp, err := e.KeyPair()
	if err != nil {
		return nil, err
	}
	if !kp.private.IsAlive() {
		return nil, ErrKeyDestroyed
	}

	raw, ok := box.OpenAnonymous(nil, sealed, &kp.Public, kp.private.ByteArray32())
	if !ok {
		return nil, ErrUnwrapFailed
	}
	return SessionKeyFromBytes(raw)
}

// Destroy wipes the private key. A later KeyPair call does not regenerate it.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys != nil {
		e.keys.private.Destroy()
	}
}

// Wrap seals a session key to a peer's public key. Only the holder of the
// matching private key can recover it.
func Wrap(key *SessionKey, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeySize, PublicKeySize, len(peerPublicKey))
	}
	if key == nil {
		return nil, ErrKeyDestroyed
	}

	var peer [PublicKeySize]byte
	copy(peer[:], peerPublicKey)

	key.mu.RLock()
	defer key.mu.RUnlock()
	if key.raw == nil {
		return nil, ErrKeyDestroyed
	}
	sealed, err := box.SealAnonymous(nil, key.raw, &peer, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session key wrap failed: %w", err)
	}
	return sealed, nil
}

// Encrypt seals plaintext under key with a fresh random IV.
// Returns: [IV Length (4)][IV][Ciphertext Length (4)][Ciphertext || Tag]
func Encrypt(key *SessionKey, plaintext []byte) ([]byte, error) {
	gcm, err := key.aead()
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ctLen := len(plaintext) + gcm.Overhead()
	out := make([]byte, 0, containerHeaderSize+IVSize+ctLen)
	out = binary.BigEndian.AppendUint32(out, IVSize)
	out = append(out, iv...)
	out = binary.BigEndian.AppendUint32(out, uint32(ctLen))
	return gcm.Seal(out, iv, plaintext, nil), nil
}

// Decrypt opens every container in data, in order, and returns the plaintext chunks.
// Any malformed or unauthenticated container fails the whole call with no plaintext.
func Decrypt(key *SessionKey, data []byte) ([][]byte, error) {
	gcm, err := key.aead()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrMalformedContainer
	}

	var chunks [][]byte
	for off := 0; off < len(data); {
		iv, ct, next, err := splitContainer(data, off)
		if err != nil {
			return nil, err
		}
		plaintext, err := gcm.Open(make([]byte, 0, len(ct)-TagSize), iv, ct, nil)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		chunks = append(chunks, plaintext)
		off = next
	}
	return chunks, nil
}

func splitContainer(data []byte, off int) (iv, ct []byte, next int, err error) {
	if len(data)-off < 4 {
		return nil, nil, 0, fmt.Errorf("%w: missing IV length at offset %d", ErrMalformedContainer, off)
	}
	ivLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if ivLen != IVSize || len(data)-off < ivLen+4 {
		return nil, nil, 0, fmt.Errorf("%w: bad IV length %d", ErrMalformedContainer, ivLen)
	}
	iv = data[off : off+ivLen]
	off += ivLen

	ctLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if ctLen < TagSize || len(data)-off < ctLen {
		return nil, nil, 0, fmt.Errorf("%w: bad ciphertext length %d", ErrMalformedContainer, ctLen)
	}
	ct = data[off : off+ctLen]
	return iv, ct, off + ctLen, nil
}
