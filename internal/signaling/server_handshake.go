package signaling

import (
	"bytes"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
)

func (s *Signaling) handleServerFrame(n nonce.Nonce, body []byte, res *Result) error {
	if err := s.validate(s.server, n); err != nil {
		return err
	}

	var (
		msg messages.Message
		err error
	)
	if s.serverState == ServerStart {
		msg, err = messages.Decode(body)
	} else {
		msg, err = s.server.open(n, body, s.serverOpener())
	}
	if err != nil {
		return err
	}

	switch s.serverState {
	case ServerStart:
		return s.handleServerHello(msg, res)
	case ServerClientAuthSent:
		return s.handleServerAuth(n, msg, res)
	case ServerDone:
		return s.hs.handleServerMessage(s, msg, res)
	default:
		return protocolErr("unexpected %s in server handshake state %s", msg.MessageType(), s.serverState)
	}
}

func (s *Signaling) serverSealer() sealer {
	return permanentSealer(s.cfg.PermanentKey, *s.server.sessionKey)
}

func (s *Signaling) serverOpener() opener {
	return permanentOpener(s.cfg.PermanentKey, *s.server.sessionKey)
}

// sendToServer appends an encrypted server message to res.
func (s *Signaling) sendToServer(m messages.Message, res *Result) error {
	frame, err := s.server.frame(s.identity, m, s.serverSealer())
	if err != nil {
		return err
	}
	res.reply(frame)
	return nil
}

func (s *Signaling) handleServerHello(msg messages.Message, res *Result) error {
	hello, err := expect[*messages.ServerHello](msg, nonce.AddressServer, s.serverState)
	if err != nil {
		return err
	}
	key, err := cryptobox.PublicKeyFromBytes(hello.Key)
	if err != nil {
		return fmt.Errorf("server-hello: %w", err)
	}
	s.server.sessionKey = &key
	s.serverState = ServerHelloReceived
	s.log.Debug("server hello", "server_session_key", key.Hex())
	res.emit(HandshakeProgress{State: s.state, Step: "server-hello"})

	if s.cfg.Role == RoleResponder {
		pk := s.cfg.PermanentKey.PublicKey()
		frame, err := s.server.frame(s.identity, &messages.ClientHello{Key: pk[:]}, nil)
		if err != nil {
			return err
		}
		res.reply(frame)
	}

	cookie, _ := s.server.tracker.TheirCookie()
	auth := &messages.ClientAuth{
		YourCookie:   cookie[:],
		Subprotocols: []string{messages.Subprotocol},
		PingInterval: uint32(s.cfg.PingInterval.Seconds()),
	}
	if s.cfg.ServerPublicKey != nil {
		auth.YourKey = s.cfg.ServerPublicKey[:]
	}
	if err := s.sendToServer(auth, res); err != nil {
		return err
	}
	s.serverState = ServerClientAuthSent
	return nil
}

func (s *Signaling) handleServerAuth(n nonce.Nonce, msg messages.Message, res *Result) error {
	auth, err := expect[*messages.ServerAuth](msg, nonce.AddressServer, s.serverState)
	if err != nil {
		return err
	}

	ours := s.server.tracker.OurCookie()
	if !bytes.Equal(auth.YourCookie, ours[:]) {
		return protocolErr("server-auth repeated a cookie that is not ours")
	}
	if err := s.verifySignedKeys(n, auth); err != nil {
		return err
	}

	s.identity = n.Destination
	s.serverState = ServerDone
	s.state = StatePeerHandshake
	s.log.Info("server handshake completed", "identity", s.identity.String())
	res.emit(HandshakeProgress{State: s.state, Step: "server-auth"})

	return s.hs.serverAuthenticated(s, auth, res)
}

// verifySignedKeys checks that the server holds the permanent key we expect:
// signed_keys must open to its session key followed by our permanent key.
func (s *Signaling) verifySignedKeys(n nonce.Nonce, auth *messages.ServerAuth) error {
	if s.cfg.ServerPublicKey == nil {
		if auth.SignedKeys != nil {
			s.log.Debug("server sent signed_keys but no server key is configured")
		}
		return nil
	}
	if auth.SignedKeys == nil {
		return protocolErr("server-auth is missing signed_keys")
	}
	nb := n.Bytes()
	plain, err := s.cfg.PermanentKey.Decrypt(auth.SignedKeys, &nb, *s.cfg.ServerPublicKey)
	if err != nil {
		return fmt.Errorf("verify signed_keys: %w", err)
	}
	ourPK := s.cfg.PermanentKey.PublicKey()
	want := append(append([]byte(nil), s.server.sessionKey[:]...), ourPK[:]...)
	if !bytes.Equal(plain, want) {
		return protocolErr("signed_keys do not match the server session key and our permanent key")
	}
	return nil
}
