package signaling

import (
	"fmt"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
)

// peerContext is the state of one relationship: the server, the initiator
// or one responder.
type peerContext struct {
	addr    nonce.Address
	tracker *nonce.Tracker

	// permanentKey is the remote long-term key once known. For the server
	// relationship it stays nil.
	permanentKey *cryptobox.PublicKey
	// sessionKey is the remote session key once known.
	sessionKey *cryptobox.PublicKey

	ourSession *cryptobox.KeyStore
	shared     *cryptobox.SharedBox
}

func newPeerContext(addr nonce.Address, avoid func(nonce.Cookie) bool) (*peerContext, error) {
	tr, err := nonce.NewTracker(avoid)
	if err != nil {
		return nil, err
	}
	return &peerContext{addr: addr, tracker: tr}, nil
}

// establishSession generates our session key pair for this peer and
// precomputes the shared key with theirs.
func (p *peerContext) establishSession(theirs cryptobox.PublicKey) error {
	if p.ourSession == nil {
		ks, err := cryptobox.GenerateKeyStore()
		if err != nil {
			return err
		}
		p.ourSession = ks
	}
	shared, err := p.ourSession.SharedBox(theirs)
	if err != nil {
		return err
	}
	p.sessionKey = &theirs
	p.shared = shared
	return nil
}

// resetSession forgets everything negotiated with the peer except its
// permanent key, and regenerates the local cookie and CSN.
func (p *peerContext) resetSession(avoid func(nonce.Cookie) bool) error {
	p.zeroSession()
	return p.tracker.Reset(avoid)
}

func (p *peerContext) zeroSession() {
	p.ourSession.Zero()
	p.ourSession = nil
	p.shared.Zero()
	p.shared = nil
	p.sessionKey = nil
}

// sealer encrypts a message body under the nonce it will be sent with.
type sealer func(plaintext []byte, n *[nonce.Size]byte) ([]byte, error)

// opener is the inverse of sealer.
type opener func(ciphertext []byte, n *[nonce.Size]byte) ([]byte, error)

func permanentSealer(ks *cryptobox.KeyStore, peer cryptobox.PublicKey) sealer {
	return func(pt []byte, n *[nonce.Size]byte) ([]byte, error) { return ks.Encrypt(pt, n, peer) }
}

func permanentOpener(ks *cryptobox.KeyStore, peer cryptobox.PublicKey) opener {
	return func(ct []byte, n *[nonce.Size]byte) ([]byte, error) { return ks.Decrypt(ct, n, peer) }
}

func (p *peerContext) sessionSealer() sealer {
	return p.shared.Encrypt
}

func (p *peerContext) sessionOpener() opener {
	return p.shared.Decrypt
}

// frame mints the next nonce towards p, encodes m and seals it. A nil seal
// sends the body in plaintext.
func (p *peerContext) frame(src nonce.Address, m messages.Message, seal sealer) ([]byte, error) {
	body, err := messages.Encode(m)
	if err != nil {
		return nil, err
	}
	n, err := p.tracker.Next(src, p.addr)
	if err != nil {
		return nil, err
	}
	nb := n.Bytes()
	if seal != nil {
		body, err = seal(body, &nb)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s for %s: %w", m.MessageType(), p.addr, err)
		}
	}
	out := make([]byte, 0, nonce.Size+len(body))
	out = append(out, nb[:]...)
	return append(out, body...), nil
}

// open decrypts and decodes a body from p.
func (p *peerContext) open(n nonce.Nonce, body []byte, open opener) (messages.Message, error) {
	nb := n.Bytes()
	plain, err := open(body, &nb)
	if err != nil {
		return nil, fmt.Errorf("decrypt message from %s: %w", p.addr, err)
	}
	return messages.Decode(plain)
}
