package pqvolume

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce length
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the Poly1305 authentication tag length
	TagSize = chacha20poly1305.Overhead

	// WrappedKeySize is a sealed master key: ciphertext plus tag
	WrappedKeySize = MasterKeySize + TagSize

	// sessionBaseSize is the length of the per-session random nonce base
	sessionBaseSize = 16
)

// CipherEngine provides AEAD sealing and opening of blocks
type CipherEngine interface {
	// Seal encrypts plaintext and appends the tag
	Seal(nonce, plaintext, ad []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext‖tag. On failure it
	// returns ErrTagMismatch and no plaintext.
	Open(nonce, ciphertext, ad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// ChaCha20Poly1305Engine implements CipherEngine using ChaCha20-Poly1305
type ChaCha20Poly1305Engine struct {
	aead cipher.AEAD
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (*ChaCha20Poly1305Engine, error) {
	if err := ValidateKey(key, chacha20poly1305.KeySize); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &ChaCha20Poly1305Engine{aead: aead}, nil
}

// Seal encrypts plaintext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Seal(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open decrypts ciphertext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Open(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrTagMismatch
	}

	return plaintext, nil
}

// NonceSize returns the nonce size for ChaCha20-Poly1305 (12 bytes)
func (e *ChaCha20Poly1305Engine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *ChaCha20Poly1305Engine) Overhead() int {
	return e.aead.Overhead()
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// DeriveBlockNonce derives the nonce for one write of one block. The
// session base is random per session and seq increases with every write in
// that session, so no (key, nonce) pair repeats.
func DeriveBlockNonce(nonceKey []byte, base [sessionBaseSize]byte, index, seq uint64) ([NonceSize]byte, error) {
	var nonce [NonceSize]byte

	h, err := blake3.NewKeyed(nonceKey)
	if err != nil {
		return nonce, fmt.Errorf("failed to create nonce hasher: %w", err)
	}
	var buf [sessionBaseSize + 16]byte
	copy(buf[:], base[:])
	binary.LittleEndian.PutUint64(buf[sessionBaseSize:], index)
	binary.LittleEndian.PutUint64(buf[sessionBaseSize+8:], seq)
	h.Write(buf[:])

	sum := h.Sum(nil)
	copy(nonce[:], sum)
	return nonce, nil
}

// blockAD is the associated data binding a sealed block to its slot.
func blockAD(index uint64) []byte {
	var ad [8]byte
	binary.LittleEndian.PutUint64(ad[:], index)
	return ad[:]
}

// wrapMasterKey seals the master key under a KEM shared secret. Each
// shared secret is fresh from one encapsulation, so a fixed zero nonce is
// never reused under the same key.
func wrapMasterKey(sharedSecret, master, ad []byte) ([]byte, error) {
	engine, err := NewChaCha20Poly1305Engine(sharedSecret)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	return engine.Seal(nonce[:], master, ad)
}

// unwrapMasterKey reverses wrapMasterKey. A wrong shared secret returns
// ErrTagMismatch.
func unwrapMasterKey(sharedSecret, wrapped, ad []byte) ([]byte, error) {
	engine, err := NewChaCha20Poly1305Engine(sharedSecret)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	return engine.Open(nonce[:], wrapped, ad)
}
