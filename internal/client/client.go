// Package client runs a signaling session over a WebSocket connection to a
// SaltyRTC server.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

var (
	ErrTransport        = errors.New("transport error")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrSessionClosed    = errors.New("session closed")
)

// Connect dials the server and starts the signaling session. It returns once
// the WebSocket is established; handshake progress is reported on Events.
//
// Cancelling ctx closes the session.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pathKey, err := cfg.pathKey()
	if err != nil {
		return nil, err
	}
	sig, err := signaling.New(cfg.Signaling)
	if err != nil {
		return nil, err
	}
	return start(ctx, cfg, pathKey, sig)
}

// machine is the protocol state machine a Session drives.
type machine interface {
	State() signaling.State
	HandleFrame(frame []byte) (signaling.Result, error)
	EncodeTaskMessage(msg *messages.TaskMessage) ([]byte, error)
	EncodeApplication(data any) ([]byte, error)
	EncodeClose(code signaling.CloseCode) ([]byte, error)
	Restart() (signaling.Result, error)
	HandleTransportClose(code int) error
	Close()
}

func start(ctx context.Context, cfg Config, pathKey string, sig machine) (*Session, error) {
	conn, err := dial(ctx, cfg, strings.TrimRight(cfg.ServerURL, "/")+"/"+pathKey)
	if err != nil {
		sig.Close()
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		conn:     conn,
		sig:      sig,
		log:      cfg.Logger.With("role", cfg.Signaling.Role.String()),
		guard:    ratelimit.NewInboundGuard(cfg.Clock, cfg.MaxInboundMessagesPerSecond, cfg.Metrics),
		inbound:  make(chan inbound),
		requests: make(chan request),
		events:   newEventQueue(),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.run(ctx)
	return s, nil
}

func dial(ctx context.Context, cfg Config, dialURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		Subprotocols:     []string{messages.Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, dialURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if got := conn.Subprotocol(); got != messages.Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: server did not negotiate required subprotocol %q (got %q)", ErrTransport, messages.Subprotocol, got)
	}
	conn.SetReadLimit(int64(cfg.MaxMessageBytes))
	return conn, nil
}
