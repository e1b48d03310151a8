// Package cryptobox wraps the NaCl primitives used by the SaltyRTC protocol:
// Curve25519/XSalsa20/Poly1305 public-key boxes for permanent and session
// keys, and a secretbox keyed by the one-time auth token.
package cryptobox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	NonceSize = 24
	// Overhead is the number of bytes a box adds to its plaintext.
	Overhead = box.Overhead
)

var (
	ErrDecrypt    = errors.New("cryptobox: authenticated decryption failed")
	ErrInvalidKey = errors.New("cryptobox: invalid key")
	ErrZeroed     = errors.New("cryptobox: key material has been released")
)

// PublicKey is a Curve25519 public key.
type PublicKey [KeySize]byte

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != KeySize {
		return pk, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return PublicKeyFromBytes(raw)
}

func (pk PublicKey) Hex() string { return hex.EncodeToString(pk[:]) }

func (pk PublicKey) String() string { return pk.Hex() }

func (pk PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// KeyStore holds one Curve25519 key pair. The private half never leaves the
// store other than through Save.
type KeyStore struct {
	public  PublicKey
	private *[KeySize]byte
}

func GenerateKeyStore() (*KeyStore, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyStore{public: PublicKey(*pub), private: priv}, nil
}

// NewKeyStore builds a key store from an existing private key, deriving the
// public key from it.
func NewKeyStore(private []byte) (*KeyStore, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(private))
	}
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ks := &KeyStore{private: new([KeySize]byte)}
	copy(ks.private[:], private)
	copy(ks.public[:], pub)
	return ks, nil
}

func (k *KeyStore) PublicKey() PublicKey { return k.public }

// Encrypt seals plaintext for peer. The caller guarantees that nonce is never
// reused with the same key pair.
func (k *KeyStore) Encrypt(plaintext []byte, nonce *[NonceSize]byte, peer PublicKey) ([]byte, error) {
	if k.private == nil {
		return nil, ErrZeroed
	}
	pk := [KeySize]byte(peer)
	return box.Seal(nil, plaintext, nonce, &pk, k.private), nil
}

func (k *KeyStore) Decrypt(ciphertext []byte, nonce *[NonceSize]byte, peer PublicKey) ([]byte, error) {
	if k.private == nil {
		return nil, ErrZeroed
	}
	pk := [KeySize]byte(peer)
	out, ok := box.Open(nil, ciphertext, nonce, &pk, k.private)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SharedBox precomputes the shared key between this store and peer.
func (k *KeyStore) SharedBox(peer PublicKey) (*SharedBox, error) {
	if k.private == nil {
		return nil, ErrZeroed
	}
	pk := [KeySize]byte(peer)
	sb := &SharedBox{key: new([KeySize]byte), peer: peer}
	box.Precompute(sb.key, &pk, k.private)
	return sb, nil
}

// Zero overwrites the private key. The store is unusable afterwards.
func (k *KeyStore) Zero() {
	if k == nil || k.private == nil {
		return
	}
	wipe(k.private[:])
	k.private = nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
