package signaling

import (
	"bytes"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

type initiatorContext struct {
	*peerContext
	state ResponderHandshakeState
}

type responderHandshake struct {
	initiator *initiatorContext
}

func newResponderHandshake(s *Signaling) (*responderHandshake, error) {
	p, err := newPeerContext(nonce.AddressInitiator, s.cookieSeen)
	if err != nil {
		return nil, err
	}
	key := *s.cfg.PeerPublicKey
	p.permanentKey = &key
	i := &initiatorContext{peerContext: p}
	i.state = initialResponderState(s)
	return &responderHandshake{initiator: i}, nil
}

func initialResponderState(s *Signaling) ResponderHandshakeState {
	if s.cfg.AuthToken.Valid() {
		return ResponderSendToken
	}
	return ResponderSendKey
}

func (h *responderHandshake) peer() *peerContext {
	if h.initiator.state != ResponderDone {
		return nil
	}
	return h.initiator.peerContext
}

func (h *responderHandshake) zero() {
	h.initiator.zeroSession()
}

func (h *responderHandshake) serverAuthenticated(s *Signaling, msg *messages.ServerAuth, res *Result) error {
	if msg.Responders != nil {
		return protocolErr("server-auth for a responder must not contain responders")
	}
	if msg.InitiatorConnected == nil {
		return protocolErr("server-auth for a responder must contain initiator_connected")
	}
	if !*msg.InitiatorConnected {
		s.log.Debug("waiting for initiator")
		return nil
	}
	return h.begin(s, res)
}

// begin sends the token (when configured) and our session key to the
// initiator.
func (h *responderHandshake) begin(s *Signaling, res *Result) error {
	i := h.initiator
	if i.state == ResponderSendToken {
		pk := s.cfg.PermanentKey.PublicKey()
		frame, err := i.frame(s.identity, &messages.Token{Key: pk[:]}, s.cfg.AuthToken.Encrypt)
		if err != nil {
			return err
		}
		res.reply(frame)
		i.state = ResponderSendKey
	}

	session, err := cryptobox.GenerateKeyStore()
	if err != nil {
		return err
	}
	i.ourSession = session
	ours := session.PublicKey()
	frame, err := i.frame(s.identity, &messages.Key{Key: ours[:]}, permanentSealer(s.cfg.PermanentKey, *i.permanentKey))
	if err != nil {
		return err
	}
	res.reply(frame)
	i.state = ResponderSendAuth
	res.emit(HandshakeProgress{State: s.state, Step: "key", Peer: nonce.AddressInitiator})
	return nil
}

// reset forgets the current initiator relationship and, if the server
// handshake is done, starts a new client handshake.
func (h *responderHandshake) reset(s *Signaling, res *Result, step string) error {
	i := h.initiator
	if err := i.resetSession(s.cookieSeen); err != nil {
		return err
	}
	i.state = initialResponderState(s)
	if s.state == StateTask {
		s.enterPeerHandshake(res, step, nonce.AddressInitiator)
	}
	return h.begin(s, res)
}

// restart handles a restart message from the initiator.
func (h *responderHandshake) restart(s *Signaling, res *Result) error {
	s.log.Info("initiator restarted the client handshake")
	return h.reset(s, res, "restart")
}

func (h *responderHandshake) handleServerMessage(s *Signaling, msg messages.Message, res *Result) error {
	switch m := msg.(type) {
	case *messages.NewInitiator:
		s.log.Info("new initiator connected")
		return h.reset(s, res, "new-initiator")

	case *messages.Disconnected:
		addr := nonce.Address(m.ID)
		if !addr.IsInitiator() {
			return protocolErr("responder got disconnected for %s", addr)
		}
		res.emit(PeerDisconnected{Peer: addr})
		s.closePeer(res, CloseGoingAway, fmt.Errorf("%w: initiator disconnected", ErrPeerClosed))
		return nil

	case *messages.SendError:
		return fmt.Errorf("%w: message to %s", ErrSendFailed, nonce.Address(m.ID[1]))

	default:
		return protocolErr("unexpected %s from server", msg.MessageType())
	}
}

func (h *responderHandshake) handlePeerFrame(s *Signaling, n nonce.Nonce, body []byte, res *Result) error {
	i := h.initiator
	if err := s.validate(i.peerContext, n); err != nil {
		return err
	}

	switch i.state {
	case ResponderDone:
		return s.handleTaskFrame(i.peerContext, n, body, res)

	case ResponderSendAuth:
		msg, err := i.open(n, body, permanentOpener(s.cfg.PermanentKey, *i.permanentKey))
		if err != nil {
			return err
		}
		km, err := expect[*messages.Key](msg, i.addr, i.state)
		if err != nil {
			return err
		}
		theirs, err := cryptobox.PublicKeyFromBytes(km.Key)
		if err != nil {
			return fmt.Errorf("key: %w", err)
		}
		if err := i.establishSession(theirs); err != nil {
			return err
		}
		theirCookie, _ := i.tracker.TheirCookie()
		auth := &messages.Auth{
			YourCookie: theirCookie[:],
			Tasks:      tasks.Names(s.cfg.Tasks),
			Data:       tasks.DataMap(s.cfg.Tasks),
		}
		frame, err := i.frame(s.identity, auth, i.sessionSealer())
		if err != nil {
			return err
		}
		res.reply(frame)
		i.state = ResponderWaitAuth
		res.emit(HandshakeProgress{State: s.state, Step: "peer-key", Peer: i.addr})
		return nil

	case ResponderWaitAuth:
		msg, err := i.open(n, body, i.sessionOpener())
		if err != nil {
			return err
		}
		if c, ok := msg.(*messages.Close); ok {
			code := CloseCode(c.Reason)
			if code == CloseNoSharedTask {
				return fmt.Errorf("initiator closed the handshake: %w", tasks.ErrNoCommonTask)
			}
			return fmt.Errorf("%w: initiator closed the handshake (%s)", ErrPeerClosed, code)
		}
		auth, err := expect[*messages.Auth](msg, i.addr, i.state)
		if err != nil {
			return err
		}
		ourCookie := i.tracker.OurCookie()
		if !bytes.Equal(auth.YourCookie, ourCookie[:]) {
			return protocolErr("auth from initiator repeated a cookie that is not ours")
		}
		if auth.Task == "" {
			return protocolErr("auth from initiator does not select a task")
		}
		task, ok := tasks.Find(s.cfg.Tasks, auth.Task)
		if !ok {
			return protocolErr("initiator selected unsupported task %q", auth.Task)
		}
		i.state = ResponderDone
		s.enterTask(res, task, i.addr, auth.Data[task.Name])
		return nil

	default:
		return protocolErr("unexpected message from initiator in state %s", i.state)
	}
}
