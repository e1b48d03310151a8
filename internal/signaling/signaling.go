package signaling

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

// peerHandshake is the role-specific half of the signaling machine.
type peerHandshake interface {
	// serverAuthenticated runs once server-auth has been verified.
	serverAuthenticated(s *Signaling, msg *messages.ServerAuth, res *Result) error
	// handleServerMessage handles server messages after the server handshake.
	handleServerMessage(s *Signaling, msg messages.Message, res *Result) error
	// handlePeerFrame handles a frame from another client.
	handlePeerFrame(s *Signaling, n nonce.Nonce, body []byte, res *Result) error
	// peer returns the relationship that carries task traffic, if any.
	peer() *peerContext
	zero()
}

// Signaling is the protocol state machine of one session. It performs no
// I/O: every frame from the transport goes through HandleFrame, and the
// frames it returns must be written in order.
//
// A Signaling value is not safe for concurrent use.
type Signaling struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	state       State
	serverState ServerHandshakeState
	identity    nonce.Address
	server      *peerContext
	hs          peerHandshake
	task        *tasks.Task

	// seenCookies holds every remote cookie observed in this session. Local
	// cookies are never drawn from it.
	seenCookies map[nonce.Cookie]struct{}
}

func New(cfg Config) (*Signaling, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Signaling{
		cfg:         cfg,
		log:         log.With("role", cfg.Role.String()),
		metrics:     cfg.Metrics,
		seenCookies: make(map[nonce.Cookie]struct{}),
	}
	server, err := newPeerContext(nonce.AddressServer, s.cookieSeen)
	if err != nil {
		return nil, err
	}
	s.server = server

	switch cfg.Role {
	case RoleInitiator:
		s.hs = newInitiatorHandshake()
	case RoleResponder:
		h, err := newResponderHandshake(s)
		if err != nil {
			return nil, err
		}
		s.hs = h
	}
	return s, nil
}

func (s *Signaling) State() State { return s.state }

func (s *Signaling) Role() Role { return s.cfg.Role }

// Identity is the address assigned by the server, or 0 before server-auth.
func (s *Signaling) Identity() nonce.Address { return s.identity }

// Task returns the negotiated task while in StateTask.
func (s *Signaling) Task() (tasks.Task, bool) {
	if s.task == nil {
		return tasks.Task{}, false
	}
	return *s.task, true
}

// ServerSessionKey is the session key the server announced in server-hello.
func (s *Signaling) ServerSessionKey() (cryptobox.PublicKey, bool) {
	if s.server == nil || s.server.sessionKey == nil {
		return cryptobox.PublicKey{}, false
	}
	return *s.server.sessionKey, true
}

func (s *Signaling) cookieSeen(c nonce.Cookie) bool {
	_, ok := s.seenCookies[c]
	return ok
}

func (s *Signaling) noteCookie(t *nonce.Tracker) {
	if c, ok := t.TheirCookie(); ok {
		s.seenCookies[c] = struct{}{}
	}
}

// validate runs the nonce checks of one relationship and records the remote
// cookie for collision avoidance.
func (s *Signaling) validate(p *peerContext, n nonce.Nonce) error {
	if err := p.tracker.Validate(n); err != nil {
		return err
	}
	s.noteCookie(p.tracker)
	return nil
}

// HandleFrame processes one frame received from the transport.
//
// A non-nil error is terminal: the session is closed and its key material
// released. The returned Result may still carry frames that should be sent
// before the connection is torn down.
func (s *Signaling) HandleFrame(frame []byte) (Result, error) {
	if s.state == StateClosed {
		return Result{}, ErrClosed
	}
	s.metrics.Inc(metrics.FramesReceived)

	var res Result
	if err := s.handleFrame(frame, &res); err != nil {
		s.fail(err)
		return Result{Replies: res.Replies}, err
	}
	s.metrics.Add(metrics.FramesSent, uint64(len(res.Replies)))
	return res, nil
}

func (s *Signaling) handleFrame(frame []byte, res *Result) error {
	if len(frame) <= nonce.Size {
		return messages.NewDecodeError(messages.DecodeErrorFrameTooShort, "frame of %d bytes has no body", len(frame))
	}
	n, err := nonce.Parse(frame)
	if err != nil {
		return messages.NewDecodeError(messages.DecodeErrorFrameTooShort, "%v", err)
	}
	body := frame[nonce.Size:]

	if err := s.validateAddresses(n); err != nil {
		return err
	}
	if n.Source.IsServer() {
		return s.handleServerFrame(n, body, res)
	}
	return s.hs.handlePeerFrame(s, n, body, res)
}

// validateAddresses checks the source and destination bytes of n against
// our role and assigned identity.
func (s *Signaling) validateAddresses(n nonce.Nonce) error {
	switch {
	case s.serverState == ServerStart:
		if n.Destination != nonce.AddressServer {
			return nonce.Violation(nonce.ReasonDestinationMismatch, "server-hello must be sent to 0x00, got 0x%02x", uint8(n.Destination))
		}
	case s.serverState != ServerDone:
		// server-auth assigns our identity.
		if err := s.checkAssignable(n.Destination); err != nil {
			return err
		}
	default:
		if n.Destination != s.identity {
			return nonce.Violation(nonce.ReasonDestinationMismatch, "message for 0x%02x, we are 0x%02x", uint8(n.Destination), uint8(s.identity))
		}
	}

	if n.Source.IsServer() {
		return nil
	}
	if s.serverState != ServerDone {
		return nonce.Violation(nonce.ReasonSourceMismatch, "message from %s before the server handshake completed", n.Source)
	}
	switch s.cfg.Role {
	case RoleInitiator:
		if !n.Source.IsResponder() {
			return nonce.Violation(nonce.ReasonSourceMismatch, "initiator received a message from %s", n.Source)
		}
	case RoleResponder:
		if !n.Source.IsInitiator() {
			return nonce.Violation(nonce.ReasonSourceMismatch, "responder received a message from %s", n.Source)
		}
	}
	return nil
}

func (s *Signaling) checkAssignable(dst nonce.Address) error {
	switch s.cfg.Role {
	case RoleInitiator:
		if !dst.IsInitiator() {
			return nonce.Violation(nonce.ReasonDestinationMismatch, "initiator was assigned 0x%02x", uint8(dst))
		}
	case RoleResponder:
		if !dst.IsResponder() {
			return nonce.Violation(nonce.ReasonDestinationMismatch, "responder was assigned 0x%02x", uint8(dst))
		}
	}
	return nil
}

// EncodeTaskMessage seals a task message for the peer.
func (s *Signaling) EncodeTaskMessage(msg *messages.TaskMessage) ([]byte, error) {
	return s.encodeForPeer(msg)
}

// EncodeApplication seals an application message for the peer.
func (s *Signaling) EncodeApplication(data any) ([]byte, error) {
	return s.encodeForPeer(&messages.Application{Data: data})
}

func (s *Signaling) encodeForPeer(m messages.Message) ([]byte, error) {
	if s.state != StateTask {
		return nil, fmt.Errorf("%w: cannot send %s in state %s", ErrInvalidState, m.MessageType(), s.state)
	}
	p := s.hs.peer()
	frame, err := p.frame(s.identity, m, p.sessionSealer())
	if err != nil {
		if KindOf(err) == KindNonce {
			// No nonce is left for the peer.
			s.fail(err)
		}
		return nil, err
	}
	s.metrics.Inc(metrics.FramesSent)
	return frame, nil
}

// EncodeClose closes the session. While a task is running it returns a close
// message for the peer that must be sent before the connection is closed;
// otherwise the returned frame is nil.
func (s *Signaling) EncodeClose(code CloseCode) ([]byte, error) {
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	defer s.Close()
	if s.state != StateTask {
		return nil, nil
	}
	p := s.hs.peer()
	frame, err := p.frame(s.identity, &messages.Close{Reason: uint16(code)}, p.sessionSealer())
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.FramesSent)
	return frame, nil
}

// HandleTransportClose maps the close code of a connection the remote end
// closed to the session's terminal error, and closes the session.
func (s *Signaling) HandleTransportClose(code int) error {
	if s.state == StateClosed {
		return nil
	}
	s.Close()
	err := &CloseError{Code: CloseCode(code)}
	if errors.Is(err, ErrDroppedByInitiator) {
		s.log.Info("dropped by initiator")
	}
	return err
}

// Close releases all session key material. The permanent key and the auth
// token belong to the caller and are left alone.
func (s *Signaling) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.task = nil
	s.server.zeroSession()
	s.hs.zero()
	s.metrics.Inc(metrics.SessionsClosed)
}

func (s *Signaling) fail(err error) {
	switch KindOf(err) {
	case KindNonce:
		s.metrics.Inc(metrics.NonceViolations)
	case KindCrypto:
		s.metrics.Inc(metrics.DecryptFailures)
	case KindDecode:
		s.metrics.Inc(metrics.DecodeErrors)
	case KindProtocol:
		s.metrics.Inc(metrics.ProtocolErrors)
	case KindNoCommonTask:
		s.metrics.Inc(metrics.NoCommonTask)
	}
	s.log.Warn("signaling failed", "state", s.state.String(), "err", err)
	s.Close()
}

// closePeer ends the session after an orderly close or disconnect of the peer.
func (s *Signaling) closePeer(res *Result, code CloseCode, err error) {
	s.Close()
	res.emit(Closed{Code: code, Err: err})
}

// handleTaskFrame handles a frame from the peer once the task is running.
func (s *Signaling) handleTaskFrame(p *peerContext, n nonce.Nonce, body []byte, res *Result) error {
	msg, err := p.open(n, body, p.sessionOpener())
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *messages.TaskMessage:
		res.emit(TaskData{Message: m})
	case *messages.Application:
		res.emit(ApplicationData{Data: m.Data})
	case *messages.Close:
		s.log.Info("peer closed the session", "peer", p.addr.String(), "reason", CloseCode(m.Reason).String())
		s.closePeer(res, CloseCode(m.Reason), nil)
	case *messages.Restart:
		r, ok := s.hs.(*responderHandshake)
		if !ok {
			return protocolErr("restart from %s", p.addr)
		}
		return r.restart(s, res)
	default:
		return protocolErr("unexpected %s from %s while task is running", msg.MessageType(), p.addr)
	}
	return nil
}

// Restart discards the client-to-client session with the peer and starts a
// new client handshake over the existing server connection. Only the
// initiator may restart.
func (s *Signaling) Restart() (Result, error) {
	var res Result
	h, ok := s.hs.(*initiatorHandshake)
	if !ok {
		return res, fmt.Errorf("%w: only the initiator can restart", ErrInvalidState)
	}
	if s.state != StateTask {
		return res, fmt.Errorf("%w: cannot restart in state %s", ErrInvalidState, s.state)
	}
	if err := h.restart(s, &res); err != nil {
		s.fail(err)
		return Result{}, err
	}
	s.metrics.Add(metrics.FramesSent, uint64(len(res.Replies)))
	return res, nil
}

// enterPeerHandshake moves back from the task to the client handshake.
func (s *Signaling) enterPeerHandshake(res *Result, step string, peer nonce.Address) {
	s.state = StatePeerHandshake
	s.task = nil
	s.metrics.Inc(metrics.Restarts)
	res.emit(HandshakeProgress{State: s.state, Step: step, Peer: peer})
}

// enterTask records the negotiated task and starts it.
func (s *Signaling) enterTask(res *Result, task tasks.Task, peer nonce.Address, peerData map[string]any) {
	s.state = StateTask
	s.task = &task
	s.metrics.Inc(metrics.HandshakesCompleted)
	if s.cfg.AuthToken.Valid() {
		s.cfg.AuthToken.Zero()
	}
	s.log.Info("client handshake completed", "peer", peer.String(), "task", task.Name)
	res.emit(HandshakeProgress{State: s.state, Step: "auth", Peer: peer})
	res.emit(TaskSelected{Task: task, Peer: peer, PeerData: peerData})
}

// expect decodes and type-checks a handshake message.
func expect[T messages.Message](msg messages.Message, from nonce.Address, state fmt.Stringer) (T, error) {
	v, ok := msg.(T)
	if !ok {
		var zero T
		return zero, protocolErr("unexpected %s from %s in state %s", msg.MessageType(), from, state)
	}
	return v, nil
}
