package cryptobox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// AuthToken is the pre-shared secretbox key a responder uses for its first
// message to the initiator. It is valid for a single handshake.
type AuthToken struct {
	key *[KeySize]byte
}

func GenerateAuthToken() (*AuthToken, error) {
	t := &AuthToken{key: new([KeySize]byte)}
	if _, err := rand.Read(t.key[:]); err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	return t, nil
}

func NewAuthToken(b []byte) (*AuthToken, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: auth token must be %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	t := &AuthToken{key: new([KeySize]byte)}
	copy(t.key[:], b)
	return t, nil
}

func ParseAuthToken(s string) (*AuthToken, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewAuthToken(raw)
}

// Hex returns the token encoded for out-of-band transfer to a responder.
func (t *AuthToken) Hex() string {
	if t == nil || t.key == nil {
		return ""
	}
	return hex.EncodeToString(t.key[:])
}

// Valid reports whether the token still holds key material.
func (t *AuthToken) Valid() bool { return t != nil && t.key != nil }

func (t *AuthToken) Encrypt(plaintext []byte, nonce *[NonceSize]byte) ([]byte, error) {
	if !t.Valid() {
		return nil, ErrZeroed
	}
	return secretbox.Seal(nil, plaintext, nonce, t.key), nil
}

func (t *AuthToken) Decrypt(ciphertext []byte, nonce *[NonceSize]byte) ([]byte, error) {
	if !t.Valid() {
		return nil, ErrZeroed
	}
	out, ok := secretbox.Open(nil, ciphertext, nonce, t.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

func (t *AuthToken) Zero() {
	if !t.Valid() {
		return
	}
	wipe(t.key[:])
	t.key = nil
}
