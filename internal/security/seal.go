package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrSealedTooShort is returned when sealed data cannot hold a nonce.
var ErrSealedTooShort = errors.New("sealed data too short")

// Box seals small payloads with AES-256-GCM under a one-time key. The
// prompt window uses it to pass secrets between processes through a temp
// file while the key travels separately.
type Box struct {
	key  []byte
	aead cipher.AEAD
}

// NewBox creates a box with a fresh random key.
func NewBox() (*Box, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newBox(key)
}

// OpenBox rebuilds a box from the hex key returned by Key.
func OpenBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return newBox(key)
}

func newBox(key []byte) (*Box, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		Wipe(key)
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		Wipe(key)
		return nil, err
	}
	return &Box{key: key, aead: aead}, nil
}

// Key returns the hex-encoded key.
func (b *Box) Key() string { return hex.EncodeToString(b.key) }

// Seal encrypts plain. The random nonce is prepended to the result.
func (b *Box) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts data produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	n := b.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrSealedTooShort
	}
	return b.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

// Close wipes the key bytes. The cipher keeps its own expanded schedule,
// so a closed box should be dropped.
func (b *Box) Close() { Wipe(b.key) }
