package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

// closeGrace is how long a failed write waits for the server's close frame,
// which usually explains the failure.
const closeGrace = 1 * time.Second

// Session is one running signaling session. All methods are safe for
// concurrent use.
type Session struct {
	cfg   Config
	conn  *websocket.Conn
	sig   machine
	log   *slog.Logger
	guard *ratelimit.InboundGuard

	inbound  chan inbound
	requests chan request
	events   *eventQueue

	state atomic.Int32
	done  chan struct{}

	errMu sync.Mutex
	err   error
}

type inbound struct {
	frame []byte
	err   error
}

type requestKind int

const (
	requestTaskMessage requestKind = iota
	requestApplication
	requestRestart
	requestClose
)

type request struct {
	kind   requestKind
	msg    *messages.TaskMessage
	data   any
	code   signaling.CloseCode
	result chan error
}

// Events is the ordered event stream. It is closed after the Closed event.
// Events are buffered without bound until read.
func (s *Session) Events() <-chan signaling.Event { return s.events.out }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() signaling.State { return signaling.State(s.state.Load()) }

// Err returns the error that ended the session, or nil after an orderly close
// or while it is running.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send sends a task message to the peer.
func (s *Session) Send(ctx context.Context, msg *messages.TaskMessage) error {
	return s.submit(ctx, request{kind: requestTaskMessage, msg: msg})
}

// SendApplication sends an application message to the peer.
func (s *Session) SendApplication(ctx context.Context, data any) error {
	return s.submit(ctx, request{kind: requestApplication, data: data})
}

// Restart starts a new client handshake with the peer. Only the initiator
// can restart.
func (s *Session) Restart(ctx context.Context) error {
	return s.submit(ctx, request{kind: requestRestart})
}

// Close ends the session with code and waits for the connection to be torn
// down. Closing an ended session is a no-op.
func (s *Session) Close(code signaling.CloseCode) error {
	err := s.submit(context.Background(), request{kind: requestClose, code: code})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	<-s.done
	return err
}

func (s *Session) submit(ctx context.Context, req request) error {
	req.result = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err == nil && msgType != websocket.BinaryMessage {
			err = fmt.Errorf("%w: unexpected websocket message type %d", ErrTransport, msgType)
		}
		select {
		case s.inbound <- inbound{frame: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		_ = s.conn.Close()
		s.events.finish()
		close(s.done)
	}()

	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()
	running := false
	// syncState tracks the state after every transition and arms the
	// handshake deadline whenever the task is not running.
	syncState := func() {
		st := s.sig.State()
		s.state.Store(int32(st))
		switch {
		case st == signaling.StateTask && !running:
			running = true
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
		case st != signaling.StateTask && st != signaling.StateClosed && running:
			running = false
			deadline.Reset(s.cfg.HandshakeTimeout)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.localClose(signaling.CloseGoingAway, ctx.Err())
			return

		case <-deadline.C:
			s.fail(fmt.Errorf("%w after %s in state %s", ErrHandshakeTimeout, s.cfg.HandshakeTimeout, s.sig.State()), signaling.CloseTimeout)
			return

		case in := <-s.inbound:
			if in.err != nil {
				s.transportFailed(in.err)
				return
			}
			if !s.guard.Allow() {
				s.fail(fmt.Errorf("%w: inbound message rate exceeded", ErrTransport), signaling.CloseProtocolError)
				return
			}
			res, err := s.sig.HandleFrame(in.frame)
			werr := s.write(res.Replies)
			s.events.push(res.Events...)
			syncState()
			if werr != nil && err == nil {
				s.writeFailed(werr)
				return
			}
			if err != nil {
				s.fail(err, signaling.CloseCodeFor(err))
				return
			}
			if closed, ok := closedEvent(res.Events); ok {
				// The peer ended the session over the signaling channel.
				s.setErr(closed.Err)
				writeClose(s.conn, signaling.CloseNormal)
				return
			}

		case req := <-s.requests:
			if req.kind == requestClose {
				req.result <- s.localClose(req.code, nil)
				return
			}
			err := s.handleRequest(req)
			syncState()
			var werr *writeError
			switch {
			case errors.As(err, &werr):
				req.result <- err
				s.writeFailed(werr.err)
				return
			case err != nil && s.sig.State() == signaling.StateClosed:
				// The request hit a terminal protocol error.
				req.result <- err
				s.fail(err, signaling.CloseCodeFor(err))
				return
			}
			req.result <- err
		}
	}
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func (s *Session) handleRequest(req request) error {
	var frames [][]byte
	switch req.kind {
	case requestTaskMessage, requestApplication:
		var (
			frame []byte
			err   error
		)
		if req.kind == requestTaskMessage {
			frame, err = s.sig.EncodeTaskMessage(req.msg)
		} else {
			frame, err = s.sig.EncodeApplication(req.data)
		}
		if err != nil {
			return err
		}
		frames = [][]byte{frame}
	case requestRestart:
		res, err := s.sig.Restart()
		if err != nil {
			return err
		}
		s.events.push(res.Events...)
		frames = res.Replies
	}
	if err := s.write(frames); err != nil {
		return &writeError{err: err}
	}
	return nil
}

func (s *Session) write(frames [][]byte) error {
	for _, f := range frames {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}
	}
	return nil
}

// localClose ends the session on our initiative. While the task runs the
// peer is told with a close message first.
func (s *Session) localClose(code signaling.CloseCode, cause error) error {
	frame, err := s.sig.EncodeClose(code)
	if err == nil && frame != nil {
		err = s.write([][]byte{frame})
	}
	s.state.Store(int32(signaling.StateClosed))
	writeClose(s.conn, code)
	s.setErr(cause)
	s.events.push(signaling.Closed{Code: code, Err: cause})
	s.log.Info("session closed", "code", int(code))
	return err
}

// fail ends the session after a terminal error.
func (s *Session) fail(err error, code signaling.CloseCode) {
	s.sig.Close()
	s.state.Store(int32(signaling.StateClosed))
	writeClose(s.conn, code)
	s.setErr(err)
	s.events.push(
		signaling.ErrorEvent{Kind: signaling.KindOf(err), Err: err},
		signaling.Closed{Code: code, Err: err},
	)
	s.log.Warn("session failed", "code", int(code), "err", err)
}

// transportFailed handles a read error. A close frame from the server is
// mapped through the signaling layer so that e.g. 3004 reads as being
// dropped by the initiator.
func (s *Session) transportFailed(err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		s.fail(fmt.Errorf("%w: read: %w", ErrTransport, err), signaling.CloseGoingAway)
		return
	}
	code := signaling.CloseCode(ce.Code)
	terr := s.sig.HandleTransportClose(ce.Code)
	s.state.Store(int32(signaling.StateClosed))
	if code == signaling.CloseNormal || terr == nil {
		s.events.push(signaling.Closed{Code: code})
		return
	}
	s.setErr(terr)
	s.events.push(
		signaling.ErrorEvent{Kind: signaling.KindTransport, Err: terr},
		signaling.Closed{Code: code, Err: terr},
	)
	s.log.Info("server closed the connection", "code", int(code), "reason", code.String())
}

// writeFailed prefers the server's close frame, if one is on its way, over
// the write error itself.
func (s *Session) writeFailed(err error) {
	t := time.NewTimer(closeGrace)
	defer t.Stop()
	for {
		select {
		case in := <-s.inbound:
			if in.err == nil {
				continue
			}
			var ce *websocket.CloseError
			if errors.As(in.err, &ce) {
				s.transportFailed(in.err)
				return
			}
		case <-t.C:
		}
		s.fail(err, signaling.CloseGoingAway)
		return
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func closedEvent(events []signaling.Event) (signaling.Closed, bool) {
	for _, e := range events {
		if c, ok := e.(signaling.Closed); ok {
			return c, true
		}
	}
	return signaling.Closed{}, false
}

func writeClose(conn *websocket.Conn, code signaling.CloseCode) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(int(code), ""), time.Now().Add(time.Second))
}
