package testserver

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
)

// Close codes the server uses.
const (
	closeGoingAway          = 1001
	closePathFull           = 3000
	closeProtocolError      = 3001
	closeDroppedByInitiator = 3004
)

// Conn is one client connection as seen by the server.
type Conn struct {
	srv  *Server
	path *path
	sink Sink

	session *cryptobox.KeyStore
	tracker *nonce.Tracker

	clientKey     *cryptobox.PublicKey
	responder     bool
	authenticated bool
	addr          nonce.Address
	closed        bool
}

// Address is the identity assigned to the client, or 0 before server-auth.
func (c *Conn) Address() nonce.Address {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.addr
}

func (c *Conn) sendHello() error {
	pk := c.session.PublicKey()
	return c.send(&messages.ServerHello{Key: pk[:]}, false)
}

// send delivers a server message to the client. Every message but the
// server-hello is encrypted with the server session key.
func (c *Conn) send(m messages.Message, encrypt bool) error {
	body, err := messages.Encode(m)
	if err != nil {
		return err
	}
	n, err := c.tracker.Next(nonce.AddressServer, c.addr)
	if err != nil {
		return err
	}
	nb := n.Bytes()
	if encrypt {
		if m, ok := m.(*messages.ServerAuth); ok && c.srv.permanent != nil {
			if err := c.signKeys(m, &nb); err != nil {
				return err
			}
			body, err = messages.Encode(m)
			if err != nil {
				return err
			}
		}
		body, err = c.session.Encrypt(body, &nb, *c.clientKey)
		if err != nil {
			return err
		}
	}
	c.sink.Send(append(nb[:], body...))
	return nil
}

func (c *Conn) signKeys(m *messages.ServerAuth, nb *[nonce.Size]byte) error {
	sessionPK := c.session.PublicKey()
	plain := append(append([]byte(nil), sessionPK[:]...), c.clientKey[:]...)
	signed, err := c.srv.permanent.Encrypt(plain, nb, *c.clientKey)
	if err != nil {
		return err
	}
	m.SignedKeys = signed
	return nil
}

// Receive processes one frame sent by the client.
func (c *Conn) Receive(frame []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.srv.observed = append(c.srv.observed, append([]byte(nil), frame...))
	err := c.receive(frame)
	if err != nil {
		c.srv.log.Warn("testserver: closing client", "addr", c.addr.String(), "err", err)
		c.closeLocked(closeProtocolError)
	}
	return err
}

func (c *Conn) receive(frame []byte) error {
	n, err := nonce.Parse(frame)
	if err != nil {
		return err
	}
	if n.Source != c.addr {
		return fmt.Errorf("source 0x%02x does not match client address 0x%02x", uint8(n.Source), uint8(c.addr))
	}
	if n.Destination != nonce.AddressServer {
		return c.relay(n, frame)
	}
	if err := c.tracker.Validate(n); err != nil {
		return err
	}
	body := frame[nonce.Size:]

	if !c.authenticated && c.clientKey == nil {
		if hello, err := messages.DecodeAs[*messages.ClientHello](body); err == nil {
			key, err := cryptobox.PublicKeyFromBytes(hello.Key)
			if err != nil {
				return err
			}
			c.clientKey = &key
			c.responder = true
			return nil
		}
		key := c.path.key
		c.clientKey = &key
	}

	nb := n.Bytes()
	plain, err := c.session.Decrypt(body, &nb, *c.clientKey)
	if err != nil {
		return fmt.Errorf("decrypt client message: %w", err)
	}
	msg, err := messages.Decode(plain)
	if err != nil {
		return err
	}

	if !c.authenticated {
		auth, ok := msg.(*messages.ClientAuth)
		if !ok {
			return fmt.Errorf("expected client-auth, got %s", msg.MessageType())
		}
		return c.handleClientAuth(auth)
	}

	drop, ok := msg.(*messages.DropResponder)
	if !ok || c.responder {
		return fmt.Errorf("unexpected %s from %s", msg.MessageType(), c.addr)
	}
	if target, ok := c.path.responders[nonce.Address(drop.ID)]; ok {
		code := int(drop.Reason)
		if code == 0 {
			code = closeDroppedByInitiator
		}
		target.closeLocked(code)
	}
	return nil
}

func (c *Conn) handleClientAuth(auth *messages.ClientAuth) error {
	ours := c.tracker.OurCookie()
	if !bytes.Equal(auth.YourCookie, ours[:]) {
		return fmt.Errorf("client-auth repeated a cookie that is not ours")
	}
	supported := false
	for _, sp := range auth.Subprotocols {
		supported = supported || sp == messages.Subprotocol
	}
	if !supported {
		return fmt.Errorf("no shared subprotocol in %q", auth.Subprotocols)
	}

	p := c.path
	theirCookie, _ := c.tracker.TheirCookie()
	reply := &messages.ServerAuth{YourCookie: theirCookie[:]}

	if c.responder {
		addr, ok := p.freeResponderAddress()
		if !ok {
			c.closeLocked(closePathFull)
			return nil
		}
		c.addr = addr
		c.authenticated = true
		p.responders[addr] = c
		connected := p.initiator != nil
		reply.InitiatorConnected = &connected
		if err := c.send(reply, true); err != nil {
			return err
		}
		if p.initiator != nil {
			return p.initiator.send(&messages.NewResponder{ID: int(addr)}, true)
		}
		return nil
	}

	if old := p.initiator; old != nil {
		old.closeLocked(closeGoingAway)
	}
	c.addr = nonce.AddressInitiator
	c.authenticated = true
	p.initiator = c
	reply.Responders = []int{}
	for _, addr := range p.responderIDs() {
		reply.Responders = append(reply.Responders, int(addr))
	}
	if err := c.send(reply, true); err != nil {
		return err
	}
	for _, addr := range p.responderIDs() {
		if err := p.responders[addr].send(&messages.NewInitiator{}, true); err != nil {
			return err
		}
	}
	return nil
}

// relay forwards a client-to-client frame verbatim, or answers send-error
// when the destination is not connected.
func (c *Conn) relay(n nonce.Nonce, frame []byte) error {
	if !c.authenticated {
		return fmt.Errorf("relay before authentication")
	}
	var dst *Conn
	switch {
	case c.responder && n.Destination.IsInitiator():
		dst = c.path.initiator
	case !c.responder && n.Destination.IsResponder():
		dst = c.path.responders[n.Destination]
	default:
		return fmt.Errorf("%s may not send to %s", c.addr, n.Destination)
	}
	if dst == nil || dst.closed {
		id := make([]byte, 8)
		id[0] = byte(n.Source)
		id[1] = byte(n.Destination)
		binary.BigEndian.PutUint16(id[2:4], n.CSN.Overflow)
		binary.BigEndian.PutUint32(id[4:8], n.CSN.Sequence)
		return c.send(&messages.SendError{ID: id}, true)
	}
	dst.sink.Send(append([]byte(nil), frame...))
	return nil
}

// Inject delivers a raw frame to the client, bypassing the server's own
// nonce and encryption.
func (c *Conn) Inject(frame []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sink.Send(append([]byte(nil), frame...))
	return nil
}

// Leave removes the client after its connection went away.
func (c *Conn) Leave() {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.detachLocked()
}

func (c *Conn) closeLocked(code int) {
	if c.closed {
		return
	}
	c.closed = true
	c.sink.Close(code)
	c.detachLocked()
}

func (c *Conn) detachLocked() {
	p := c.path
	if !c.authenticated {
		return
	}
	if c.responder {
		if p.responders[c.addr] != c {
			return
		}
		delete(p.responders, c.addr)
		if p.initiator != nil {
			_ = p.initiator.send(&messages.Disconnected{ID: int(c.addr)}, true)
		}
		return
	}
	if p.initiator != c {
		return
	}
	p.initiator = nil
	for _, addr := range p.responderIDs() {
		_ = p.responders[addr].send(&messages.Disconnected{ID: int(nonce.AddressInitiator)}, true)
	}
}
