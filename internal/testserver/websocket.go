package testserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
)

const (
	wsWriteWait   = 1 * time.Second
	wsSendBacklog = 256
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{messages.Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// ServeHTTP accepts a client on the path named by the request URL, which is
// the hex encoded public key of the path's initiator.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathHex := strings.Trim(r.URL.Path, "/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if conn.Subprotocol() != messages.Subprotocol {
		writeClose(conn, websocket.CloseProtocolError, "no shared subprotocol")
		return
	}

	sink := newWSSink(conn)
	defer sink.stop()

	c, err := s.Attach(pathHex, sink)
	if err != nil {
		s.log.Warn("testserver: rejecting client", "path", pathHex, "err", err)
		writeClose(conn, closeProtocolError, "invalid path")
		return
	}
	defer c.Leave()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			c.close(closeProtocolError)
			return
		}
		if err := c.Receive(data); err != nil {
			return
		}
	}
}

func (c *Conn) close(code int) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.closeLocked(code)
}

type outgoing struct {
	frame []byte
	close int
}

// wsSink hands frames to a writer goroutine so the server never blocks on
// the network while holding its lock.
type wsSink struct {
	conn *websocket.Conn
	out  chan outgoing
	done chan struct{}
}

func newWSSink(conn *websocket.Conn) *wsSink {
	s := &wsSink{
		conn: conn,
		out:  make(chan outgoing, wsSendBacklog),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSink) Send(frame []byte) {
	select {
	case s.out <- outgoing{frame: frame}:
	case <-s.done:
	default:
		// Slow reader.
		_ = s.conn.Close()
	}
}

func (s *wsSink) Close(code int) {
	select {
	case s.out <- outgoing{close: code}:
	case <-s.done:
	default:
		_ = s.conn.Close()
	}
}

func (s *wsSink) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *wsSink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case item := <-s.out:
			if item.frame == nil {
				writeClose(s.conn, item.close, "")
				_ = s.conn.Close()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, item.frame); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
