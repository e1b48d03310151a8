package cryptobox

import "golang.org/x/crypto/nacl/box"

// SharedBox encrypts with a precomputed shared key. It is used for the
// session-key phase of a peer relationship.
type SharedBox struct {
	key  *[KeySize]byte
	peer PublicKey
}

// Peer returns the remote public key the shared key was computed for.
func (s *SharedBox) Peer() PublicKey { return s.peer }

func (s *SharedBox) Encrypt(plaintext []byte, nonce *[NonceSize]byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrZeroed
	}
	return box.SealAfterPrecomputation(nil, plaintext, nonce, s.key), nil
}

func (s *SharedBox) Decrypt(ciphertext []byte, nonce *[NonceSize]byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrZeroed
	}
	out, ok := box.OpenAfterPrecomputation(nil, ciphertext, nonce, s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

func (s *SharedBox) Zero() {
	if s == nil || s.key == nil {
		return
	}
	wipe(s.key[:])
	s.key = nil
}
