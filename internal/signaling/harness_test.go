package signaling_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/testserver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustKeyStore(t *testing.T) *cryptobox.KeyStore {
	t.Helper()
	ks, err := cryptobox.GenerateKeyStore()
	require.NoError(t, err)
	return ks
}

// copyToken returns an independent copy so that zeroing one side's token
// does not affect the other.
func copyToken(t *testing.T, tok *cryptobox.AuthToken) *cryptobox.AuthToken {
	t.Helper()
	out, err := cryptobox.ParseAuthToken(tok.Hex())
	require.NoError(t, err)
	return out
}

func webrtcTasks() []tasks.Task {
	return []tasks.Task{
		{Name: "v1.webrtc.tasks.saltyrtc.org", Data: map[string]any{"exclude": []any{}}},
		{Name: "v0.relayed-data.tasks.saltyrtc.org", Data: nil},
	}
}

// client is one signaling session attached to an in-memory server.
type client struct {
	t       *testing.T
	name    string
	sig     *signaling.Signaling
	conn    *testserver.Conn
	queue   *testserver.Queue
	metrics *metrics.Metrics

	events []signaling.Event
	err    error
}

func attach(t *testing.T, srv *testserver.Server, pathHex, name string, cfg signaling.Config) *client {
	t.Helper()
	m := metrics.New()
	cfg.Logger = quietLogger()
	cfg.Metrics = m
	sig, err := signaling.New(cfg)
	require.NoError(t, err)

	q := &testserver.Queue{}
	conn, err := srv.Attach(pathHex, q)
	require.NoError(t, err)
	return &client{t: t, name: name, sig: sig, conn: conn, queue: q, metrics: m}
}

// step feeds every queued server frame to the session and forwards the
// replies. It reports whether any frame was processed.
func (c *client) step() bool {
	frames := c.queue.Drain()
	for _, f := range frames {
		if c.sig.State() == signaling.StateClosed {
			break
		}
		res, err := c.sig.HandleFrame(f)
		c.events = append(c.events, res.Events...)
		c.send(res.Replies)
		if err != nil {
			c.err = err
		}
	}
	return len(frames) > 0
}

func (c *client) send(frames [][]byte) {
	for _, f := range frames {
		// The server may already have closed us; that shows up in the queue.
		_ = c.conn.Receive(f)
	}
}

func pump(t *testing.T, clients ...*client) {
	t.Helper()
	for i := 0; i < 200; i++ {
		progress := false
		for _, c := range clients {
			if c.step() {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
	t.Fatalf("signaling did not settle")
}

func eventsOf[T signaling.Event](events []signaling.Event) []T {
	var out []T
	for _, e := range events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (c *client) takeEvents() []signaling.Event {
	out := c.events
	c.events = nil
	return out
}

type pair struct {
	srv       *testserver.Server
	path      string
	initiator *client
	responder *client
	token     *cryptobox.AuthToken
	initKey   *cryptobox.KeyStore
}

// newPair connects an initiator and a responder that authenticate with an
// auth token. The initiator connects first.
func newPair(t *testing.T, opts ...testserver.Option) *pair {
	t.Helper()
	opts = append(opts, testserver.WithLogger(quietLogger()))
	srv := testserver.New(opts...)
	initKey := mustKeyStore(t)
	token, err := cryptobox.GenerateAuthToken()
	require.NoError(t, err)
	pathHex := initKey.PublicKey().Hex()

	p := &pair{srv: srv, path: pathHex, token: token, initKey: initKey}
	p.initiator = attach(t, srv, pathHex, "initiator", signaling.Config{
		Role:         signaling.RoleInitiator,
		PermanentKey: initKey,
		AuthToken:    copyToken(t, token),
		Tasks:        webrtcTasks(),
	})
	pump(t, p.initiator)
	p.responder = p.addResponder(t, webrtcTasks())
	return p
}

func (p *pair) responderConfig(t *testing.T, list []tasks.Task) signaling.Config {
	initPK := p.initKey.PublicKey()
	return signaling.Config{
		Role:          signaling.RoleResponder,
		PermanentKey:  mustKeyStore(t),
		PeerPublicKey: &initPK,
		AuthToken:     copyToken(t, p.token),
		Tasks:         list,
	}
}

func (p *pair) addResponder(t *testing.T, list []tasks.Task) *client {
	t.Helper()
	return attach(t, p.srv, p.path, "responder", p.responderConfig(t, list))
}
