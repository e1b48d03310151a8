// Package testserver is a minimal SaltyRTC server for tests. It implements
// the server side of the server handshake, identity assignment, relaying of
// client-to-client frames and responder management, either in memory or
// behind a WebSocket endpoint.
package testserver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
)

var (
	ErrClosed      = errors.New("testserver: connection closed")
	ErrInvalidPath = errors.New("testserver: path must be a hex encoded public key")
)

// Sink receives everything the server sends to one client. Implementations
// must not call back into the server.
type Sink interface {
	Send(frame []byte)
	Close(code int)
}

type Option func(*Server)

// WithPermanentKey makes the server sign its session key in server-auth.
func WithPermanentKey(ks *cryptobox.KeyStore) Option {
	return func(s *Server) { s.permanent = ks }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

type Server struct {
	mu        sync.Mutex
	permanent *cryptobox.KeyStore
	log       *slog.Logger
	paths     map[string]*path

	// observed holds every frame received from any client, in order.
	observed [][]byte
}

type path struct {
	key        cryptobox.PublicKey
	initiator  *Conn
	responders map[nonce.Address]*Conn
}

func New(opts ...Option) *Server {
	s := &Server{
		log:   slog.Default(),
		paths: make(map[string]*path),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach connects a new client to the path named by the initiator's public
// key and sends it the server-hello.
func (s *Server) Attach(pathHex string, sink Sink) (*Conn, error) {
	raw, err := hex.DecodeString(pathHex)
	if err != nil || len(raw) != cryptobox.KeySize {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, pathHex)
	}
	key, err := cryptobox.PublicKeyFromBytes(raw)
	if err != nil {
		return nil, err
	}
	session, err := cryptobox.GenerateKeyStore()
	if err != nil {
		return nil, err
	}
	tracker, err := nonce.NewTracker(nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paths[pathHex]
	if !ok {
		p = &path{key: key, responders: make(map[nonce.Address]*Conn)}
		s.paths[pathHex] = p
	}
	c := &Conn{srv: s, path: p, sink: sink, session: session, tracker: tracker}
	if err := c.sendHello(); err != nil {
		return nil, err
	}
	return c, nil
}

// Frames returns a copy of every frame the server has received.
func (s *Server) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.observed))
	for i, f := range s.observed {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Responders returns the addresses of the authenticated responders on a path.
func (s *Server) Responders(pathHex string) []nonce.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[pathHex]
	if !ok {
		return nil
	}
	return p.responderIDs()
}

func (p *path) responderIDs() []nonce.Address {
	out := make([]nonce.Address, 0, len(p.responders))
	for addr := range p.responders {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *path) freeResponderAddress() (nonce.Address, bool) {
	for id := 0x02; id <= 0xff; id++ {
		if _, taken := p.responders[nonce.Address(id)]; !taken {
			return nonce.Address(id), true
		}
	}
	return 0, false
}
