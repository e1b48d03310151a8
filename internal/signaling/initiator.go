package signaling

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

type responderContext struct {
	*peerContext
	state InitiatorHandshakeState
	// staleCookie is the responder's cookie from before a restart. Frames
	// still carrying it were sent before the responder saw the restart.
	staleCookie *nonce.Cookie
}

// initiatorHandshake tracks every responder on the path until one of them
// completes the handshake; the others are then dropped.
type initiatorHandshake struct {
	responders map[nonce.Address]*responderContext
	chosen     *responderContext
}

func newInitiatorHandshake() *initiatorHandshake {
	return &initiatorHandshake{responders: make(map[nonce.Address]*responderContext)}
}

func (h *initiatorHandshake) peer() *peerContext {
	if h.chosen == nil {
		return nil
	}
	return h.chosen.peerContext
}

func (h *initiatorHandshake) zero() {
	for addr, r := range h.responders {
		r.zeroSession()
		delete(h.responders, addr)
	}
	h.chosen = nil
}

func (h *initiatorHandshake) serverAuthenticated(s *Signaling, msg *messages.ServerAuth, res *Result) error {
	if msg.InitiatorConnected != nil {
		return protocolErr("server-auth for the initiator must not contain initiator_connected")
	}
	if msg.Responders == nil {
		return protocolErr("server-auth for the initiator must contain responders")
	}
	seen := make(map[int]struct{}, len(msg.Responders))
	for _, id := range msg.Responders {
		if id < 0x02 || id > 0xff {
			return protocolErr("server-auth lists invalid responder address %d", id)
		}
		if _, dup := seen[id]; dup {
			return protocolErr("server-auth lists responder 0x%02x twice", id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range msg.Responders {
		if err := h.addResponder(s, nonce.Address(id)); err != nil {
			return err
		}
	}
	return nil
}

func (h *initiatorHandshake) addResponder(s *Signaling, addr nonce.Address) error {
	if old, ok := h.responders[addr]; ok {
		s.log.Warn("replacing responder context", "responder", addr.String(), "state", old.state.String())
		old.zeroSession()
	}
	p, err := newPeerContext(addr, s.cookieSeen)
	if err != nil {
		return err
	}
	r := &responderContext{peerContext: p, state: InitiatorWaitToken}
	if s.cfg.PeerPublicKey != nil {
		key := *s.cfg.PeerPublicKey
		r.permanentKey = &key
		r.state = InitiatorWaitKey
	}
	h.responders[addr] = r
	s.log.Debug("responder joined", "responder", addr.String(), "state", r.state.String())
	return nil
}

// drop asks the server to disconnect one responder and forgets it.
func (h *initiatorHandshake) drop(s *Signaling, r *responderContext, reason CloseCode, res *Result) error {
	r.zeroSession()
	delete(h.responders, r.addr)
	s.metrics.Inc(metrics.RespondersDropped)
	return s.sendToServer(&messages.DropResponder{ID: int(r.addr), Reason: uint16(reason)}, res)
}

func (h *initiatorHandshake) handleServerMessage(s *Signaling, msg messages.Message, res *Result) error {
	switch m := msg.(type) {
	case *messages.NewResponder:
		addr := nonce.Address(m.ID)
		if h.chosen != nil {
			// The path already has its responder.
			s.log.Info("dropping late responder", "responder", addr.String())
			s.metrics.Inc(metrics.RespondersDropped)
			return s.sendToServer(&messages.DropResponder{ID: m.ID, Reason: uint16(CloseDroppedByInitiator)}, res)
		}
		return h.addResponder(s, addr)

	case *messages.Disconnected:
		addr := nonce.Address(m.ID)
		if !addr.IsResponder() {
			return protocolErr("initiator got disconnected for %s", addr)
		}
		r, ok := h.responders[addr]
		if !ok {
			s.log.Debug("disconnected for unknown responder", "responder", addr.String())
			return nil
		}
		res.emit(PeerDisconnected{Peer: addr})
		if r == h.chosen {
			s.closePeer(res, CloseGoingAway, fmt.Errorf("%w: %s disconnected", ErrPeerClosed, addr))
			return nil
		}
		r.zeroSession()
		delete(h.responders, addr)
		return nil

	case *messages.SendError:
		dst := nonce.Address(m.ID[1])
		r, ok := h.responders[dst]
		switch {
		case !ok && dst.IsResponder():
			// Already dropped or disconnected.
			s.log.Debug("send-error for unknown responder", "responder", dst.String())
			return nil
		case ok && r != h.chosen:
			s.log.Warn("could not reach responder", "responder", dst.String())
			r.zeroSession()
			delete(h.responders, dst)
			return nil
		}
		return fmt.Errorf("%w: message to %s", ErrSendFailed, dst)

	default:
		return protocolErr("unexpected %s from server", msg.MessageType())
	}
}

func (h *initiatorHandshake) handlePeerFrame(s *Signaling, n nonce.Nonce, body []byte, res *Result) error {
	r, ok := h.responders[n.Source]
	if !ok {
		s.log.Debug("ignoring message from unknown responder", "responder", n.Source.String())
		return nil
	}
	if r.staleCookie != nil && n.Cookie == *r.staleCookie {
		s.log.Debug("discarding message sent before restart", "responder", r.addr.String(), "csn", n.CSN.String())
		return nil
	}
	if err := s.validate(r.peerContext, n); err != nil {
		return err
	}
	if r == h.chosen && s.state == StateTask {
		return s.handleTaskFrame(r.peerContext, n, body, res)
	}

	err := h.handleResponderHandshake(s, r, n, body, res)
	if err == nil || !h.containable(r, err) {
		return err
	}
	// A misbehaving responder must not end the initiator's session.
	s.log.Warn("dropping responder after handshake failure", "responder", r.addr.String(), "state", r.state.String(), "err", err)
	if r.staleCookie != nil {
		// This was our peer until the restart.
		res.emit(PeerDisconnected{Peer: r.addr})
	}
	return h.drop(s, r, CloseProtocolError, res)
}

// containable reports whether a handshake failure can be handled by dropping
// the responder instead of ending the session.
func (h *initiatorHandshake) containable(r *responderContext, err error) bool {
	if r == h.chosen {
		return false
	}
	if errors.Is(err, cryptobox.ErrZeroed) {
		// The auth token has already been spent.
		return true
	}
	switch KindOf(err) {
	case KindCrypto, KindDecode, KindProtocol:
		return true
	}
	return false
}

func (h *initiatorHandshake) handleResponderHandshake(s *Signaling, r *responderContext, n nonce.Nonce, body []byte, res *Result) error {
	switch r.state {
	case InitiatorWaitToken:
		msg, err := r.open(n, body, s.cfg.AuthToken.Decrypt)
		if err != nil {
			return err
		}
		tok, err := expect[*messages.Token](msg, r.addr, r.state)
		if err != nil {
			return err
		}
		key, err := cryptobox.PublicKeyFromBytes(tok.Key)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		r.permanentKey = &key
		r.state = InitiatorWaitKey
		s.log.Debug("responder token accepted", "responder", r.addr.String(), "permanent_key", key.Hex())
		res.emit(HandshakeProgress{State: s.state, Step: "token", Peer: r.addr})
		return nil

	case InitiatorWaitKey:
		msg, err := r.open(n, body, permanentOpener(s.cfg.PermanentKey, *r.permanentKey))
		if err != nil {
			return err
		}
		km, err := expect[*messages.Key](msg, r.addr, r.state)
		if err != nil {
			return err
		}
		theirs, err := cryptobox.PublicKeyFromBytes(km.Key)
		if err != nil {
			return fmt.Errorf("key: %w", err)
		}
		if err := r.establishSession(theirs); err != nil {
			return err
		}
		ours := r.ourSession.PublicKey()
		frame, err := r.frame(s.identity, &messages.Key{Key: ours[:]}, permanentSealer(s.cfg.PermanentKey, *r.permanentKey))
		if err != nil {
			return err
		}
		res.reply(frame)
		r.state = InitiatorWaitAuth
		res.emit(HandshakeProgress{State: s.state, Step: "key", Peer: r.addr})
		return nil

	case InitiatorWaitAuth:
		msg, err := r.open(n, body, r.sessionOpener())
		if err != nil {
			return err
		}
		auth, err := expect[*messages.Auth](msg, r.addr, r.state)
		if err != nil {
			return err
		}
		ourCookie := r.tracker.OurCookie()
		if !bytes.Equal(auth.YourCookie, ourCookie[:]) {
			return protocolErr("auth from %s repeated a cookie that is not ours", r.addr)
		}
		if len(auth.Tasks) == 0 {
			return protocolErr("auth from %s does not list tasks", r.addr)
		}

		selected, err := tasks.Negotiate(s.cfg.Tasks, tasks.SupportedSet(auth.Tasks))
		if errors.Is(err, tasks.ErrNoCommonTask) {
			if frame, ferr := r.frame(s.identity, &messages.Close{Reason: uint16(CloseNoSharedTask)}, r.sessionSealer()); ferr == nil {
				res.reply(frame)
			}
			return fmt.Errorf("negotiate with %s (offered %q): %w", r.addr, auth.Tasks, err)
		}

		theirCookie, _ := r.tracker.TheirCookie()
		reply := &messages.Auth{
			YourCookie: theirCookie[:],
			Task:       selected.Name,
			Data:       map[string]map[string]any{selected.Name: selected.Data},
		}
		frame, err := r.frame(s.identity, reply, r.sessionSealer())
		if err != nil {
			return err
		}
		res.reply(frame)

		r.state = InitiatorDone
		r.staleCookie = nil
		h.chosen = r
		for addr, other := range h.responders {
			if addr == r.addr {
				continue
			}
			if err := h.drop(s, other, CloseDroppedByInitiator, res); err != nil {
				return err
			}
		}
		s.enterTask(res, selected, r.addr, auth.Data[selected.Name])
		return nil

	default:
		return protocolErr("unexpected message from %s in state %s", r.addr, r.state)
	}
}

// restart sends a restart message to the chosen responder and resets that
// relationship so that a new key exchange can take place.
func (h *initiatorHandshake) restart(s *Signaling, res *Result) error {
	r := h.chosen
	frame, err := r.frame(s.identity, &messages.Restart{}, r.sessionSealer())
	if err != nil {
		return err
	}
	res.reply(frame)

	if c, ok := r.tracker.TheirCookie(); ok {
		r.staleCookie = &c
	}
	if err := r.resetSession(s.cookieSeen); err != nil {
		return err
	}
	r.state = InitiatorWaitKey
	h.chosen = nil
	s.log.Info("restarting client handshake", "responder", r.addr.String())
	s.enterPeerHandshake(res, "restart", r.addr)
	return nil
}
