package signaling_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/testserver"
)

func TestHandshake_InitiatorFirst(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	require.NoError(t, p.initiator.err)
	require.NoError(t, p.responder.err)
	require.Equal(t, signaling.StateTask, p.initiator.sig.State())
	require.Equal(t, signaling.StateTask, p.responder.sig.State())
	require.Equal(t, nonce.AddressInitiator, p.initiator.sig.Identity())
	require.Equal(t, nonce.Address(0x02), p.responder.sig.Identity())

	task, ok := p.initiator.sig.Task()
	require.True(t, ok)
	require.Equal(t, "v1.webrtc.tasks.saltyrtc.org", task.Name)
	task, ok = p.responder.sig.Task()
	require.True(t, ok)
	require.Equal(t, "v1.webrtc.tasks.saltyrtc.org", task.Name)

	selected := eventsOf[signaling.TaskSelected](p.responder.events)
	require.Len(t, selected, 1)
	require.Equal(t, nonce.AddressInitiator, selected[0].Peer)
	require.Contains(t, selected[0].PeerData, "exclude")

	var steps []string
	for _, e := range eventsOf[signaling.HandshakeProgress](p.initiator.events) {
		steps = append(steps, e.Step)
	}
	require.Equal(t, []string{"server-hello", "server-auth", "token", "key", "auth"}, steps)

	steps = nil
	for _, e := range eventsOf[signaling.HandshakeProgress](p.responder.events) {
		steps = append(steps, e.Step)
	}
	require.Equal(t, []string{"server-hello", "server-auth", "key", "peer-key", "auth"}, steps)

	require.EqualValues(t, 1, p.initiator.metrics.Get(metrics.HandshakesCompleted))
}

func TestHandshake_ResponderFirst(t *testing.T) {
	srv := testserver.New(testserver.WithLogger(quietLogger()))
	initKey := mustKeyStore(t)
	token, err := cryptobox.GenerateAuthToken()
	require.NoError(t, err)
	p := &pair{srv: srv, path: initKey.PublicKey().Hex(), token: token, initKey: initKey}

	responder := p.addResponder(t, webrtcTasks())
	pump(t, responder)
	require.Equal(t, signaling.StatePeerHandshake, responder.sig.State())

	initiator := attach(t, srv, p.path, "initiator", signaling.Config{
		Role:         signaling.RoleInitiator,
		PermanentKey: initKey,
		AuthToken:    copyToken(t, token),
		Tasks:        webrtcTasks(),
	})
	pump(t, initiator, responder)

	require.NoError(t, initiator.err)
	require.NoError(t, responder.err)
	require.Equal(t, signaling.StateTask, initiator.sig.State())
	require.Equal(t, signaling.StateTask, responder.sig.State())
}

func TestHandshake_TrustedResponderKey(t *testing.T) {
	srv := testserver.New(testserver.WithLogger(quietLogger()))
	initKey := mustKeyStore(t)
	respKey := mustKeyStore(t)
	initPK, respPK := initKey.PublicKey(), respKey.PublicKey()
	pathHex := initPK.Hex()

	initiator := attach(t, srv, pathHex, "initiator", signaling.Config{
		Role:          signaling.RoleInitiator,
		PermanentKey:  initKey,
		PeerPublicKey: &respPK,
		Tasks:         webrtcTasks(),
	})
	responder := attach(t, srv, pathHex, "responder", signaling.Config{
		Role:          signaling.RoleResponder,
		PermanentKey:  respKey,
		PeerPublicKey: &initPK,
		Tasks:         webrtcTasks(),
	})
	pump(t, initiator, responder)

	require.NoError(t, initiator.err)
	require.NoError(t, responder.err)
	require.Equal(t, signaling.StateTask, initiator.sig.State())
	require.Equal(t, signaling.StateTask, responder.sig.State())
}

func TestHandshake_InitiatorPriorityWins(t *testing.T) {
	p := newPair(t)
	// The responder lists relayed data first; the initiator's order decides.
	list := webrtcTasks()
	list[0], list[1] = list[1], list[0]
	p.responder = p.addResponder(t, list)
	pump(t, p.initiator, p.responder)

	task, ok := p.initiator.sig.Task()
	require.True(t, ok)
	require.Equal(t, "v1.webrtc.tasks.saltyrtc.org", task.Name)
	task, ok = p.responder.sig.Task()
	require.True(t, ok)
	require.Equal(t, "v1.webrtc.tasks.saltyrtc.org", task.Name)
}

func TestHandshake_SignedKeys(t *testing.T) {
	serverKey := mustKeyStore(t)
	serverPK := serverKey.PublicKey()

	srv := testserver.New(testserver.WithPermanentKey(serverKey), testserver.WithLogger(quietLogger()))
	initKey := mustKeyStore(t)
	token, err := cryptobox.GenerateAuthToken()
	require.NoError(t, err)

	c := attach(t, srv, initKey.PublicKey().Hex(), "initiator", signaling.Config{
		Role:            signaling.RoleInitiator,
		PermanentKey:    initKey,
		AuthToken:       token,
		ServerPublicKey: &serverPK,
		Tasks:           webrtcTasks(),
	})
	pump(t, c)
	require.NoError(t, c.err)
	require.Equal(t, signaling.StatePeerHandshake, c.sig.State())
}

func TestHandshake_SignedKeysWrongServer(t *testing.T) {
	serverKey := mustKeyStore(t)
	otherPK := mustKeyStore(t).PublicKey()

	srv := testserver.New(testserver.WithPermanentKey(serverKey), testserver.WithLogger(quietLogger()))
	initKey := mustKeyStore(t)
	token, err := cryptobox.GenerateAuthToken()
	require.NoError(t, err)

	c := attach(t, srv, initKey.PublicKey().Hex(), "initiator", signaling.Config{
		Role:            signaling.RoleInitiator,
		PermanentKey:    initKey,
		AuthToken:       token,
		ServerPublicKey: &otherPK,
		Tasks:           webrtcTasks(),
	})
	pump(t, c)
	require.Error(t, c.err)
	require.Equal(t, signaling.KindCrypto, signaling.KindOf(c.err))
	require.Equal(t, signaling.StateClosed, c.sig.State())
}

func TestHandshake_MissingSignedKeys(t *testing.T) {
	serverPK := mustKeyStore(t).PublicKey()
	p := newPair(t)
	cfg := p.responderConfig(t, webrtcTasks())
	cfg.ServerPublicKey = &serverPK
	c := attach(t, p.srv, p.path, "responder", cfg)
	pump(t, c)
	require.ErrorIs(t, c.err, signaling.ErrProtocol)
}

func TestHandshake_NoCommonTask(t *testing.T) {
	p := newPair(t)
	p.responder = p.addResponder(t, []tasks.Task{{Name: "v1.other.tasks.example"}})
	pump(t, p.initiator, p.responder)

	require.ErrorIs(t, p.initiator.err, tasks.ErrNoCommonTask)
	require.Equal(t, signaling.KindNoCommonTask, signaling.KindOf(p.initiator.err))
	require.Equal(t, signaling.StateClosed, p.initiator.sig.State())
	require.EqualValues(t, 1, p.initiator.metrics.Get(metrics.NoCommonTask))

	require.ErrorIs(t, p.responder.err, tasks.ErrNoCommonTask)
	require.Equal(t, signaling.StateClosed, p.responder.sig.State())
}

func TestTask_DataExchange(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.initiator.takeEvents()
	p.responder.takeEvents()

	frame, err := p.initiator.sig.EncodeTaskMessage(&messages.TaskMessage{
		Type:   "offer",
		Fields: map[string]any{"offer": map[string]any{"type": "offer", "sdp": "v=0"}},
	})
	require.NoError(t, err)
	p.initiator.send([][]byte{frame})

	frame, err = p.responder.sig.EncodeApplication("hello")
	require.NoError(t, err)
	p.responder.send([][]byte{frame})
	pump(t, p.initiator, p.responder)

	data := eventsOf[signaling.TaskData](p.responder.takeEvents())
	require.Len(t, data, 1)
	require.Equal(t, messages.Type("offer"), data[0].Message.Type)
	require.Contains(t, data[0].Message.Fields, "offer")

	apps := eventsOf[signaling.ApplicationData](p.initiator.takeEvents())
	require.Len(t, apps, 1)
	require.Equal(t, "hello", apps[0].Data)
}

func TestTask_ControlTypeRejected(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	_, err := p.initiator.sig.EncodeTaskMessage(&messages.TaskMessage{Type: messages.TypeAuth})
	require.Error(t, err)
}

func TestEncode_BeforeTask(t *testing.T) {
	p := newPair(t)
	_, err := p.responder.sig.EncodeApplication("early")
	require.ErrorIs(t, err, signaling.ErrInvalidState)
}

func TestTask_ReplayIsFatal(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.responder.takeEvents()

	frame, err := p.initiator.sig.EncodeApplication("once")
	require.NoError(t, err)
	p.initiator.send([][]byte{frame, frame})
	pump(t, p.initiator, p.responder)

	require.Len(t, eventsOf[signaling.ApplicationData](p.responder.events), 1)
	require.Error(t, p.responder.err)
	require.Equal(t, signaling.KindNonce, signaling.KindOf(p.responder.err))
	reason, ok := nonce.ReasonOf(p.responder.err)
	require.True(t, ok)
	require.Equal(t, nonce.ReasonCSNRegression, reason)
	require.Equal(t, signaling.StateClosed, p.responder.sig.State())
	require.EqualValues(t, 1, p.responder.metrics.Get(metrics.NonceViolations))
}

func TestTask_OrderlyClose(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.responder.takeEvents()

	frame, err := p.initiator.sig.EncodeClose(signaling.CloseNormal)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, signaling.StateClosed, p.initiator.sig.State())
	p.initiator.send([][]byte{frame})
	pump(t, p.responder)

	closed := eventsOf[signaling.Closed](p.responder.events)
	require.Len(t, closed, 1)
	require.Equal(t, signaling.CloseNormal, closed[0].Code)
	require.NoError(t, closed[0].Err)
	require.Equal(t, signaling.StateClosed, p.responder.sig.State())

	_, err = p.initiator.sig.HandleFrame(frame)
	require.ErrorIs(t, err, signaling.ErrClosed)
}

func TestRestart(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	serverKey, ok := p.initiator.sig.ServerSessionKey()
	require.True(t, ok)
	p.initiator.takeEvents()
	p.responder.takeEvents()
	respAddr := p.responder.sig.Identity()
	seen := len(p.srv.Frames())

	res, err := p.initiator.sig.Restart()
	require.NoError(t, err)
	require.Len(t, res.Replies, 1)
	require.Equal(t, signaling.StatePeerHandshake, p.initiator.sig.State())
	_, ok = p.initiator.sig.Task()
	require.False(t, ok)

	p.initiator.events = append(p.initiator.events, res.Events...)
	p.initiator.send(res.Replies)
	pump(t, p.initiator, p.responder)

	require.NoError(t, p.initiator.err)
	require.NoError(t, p.responder.err)
	require.Equal(t, signaling.StateTask, p.initiator.sig.State())
	require.Equal(t, signaling.StateTask, p.responder.sig.State())

	after, ok := p.initiator.sig.ServerSessionKey()
	require.True(t, ok)
	require.True(t, serverKey.Equal(after))

	progress := eventsOf[signaling.HandshakeProgress](p.responder.events)
	require.NotEmpty(t, progress)
	require.Equal(t, "restart", progress[0].Step)
	require.Equal(t, signaling.StatePeerHandshake, progress[0].State)
	require.Len(t, eventsOf[signaling.TaskSelected](p.initiator.events), 1)
	require.EqualValues(t, 1, p.initiator.metrics.Get(metrics.Restarts))

	frames := p.srv.Frames()
	// Responder to initiator: everything after the restart is a new relationship.
	requireFreshNonces(t,
		relayedNonces(t, frames[:seen], respAddr, nonce.AddressInitiator),
		relayedNonces(t, frames[seen:], respAddr, nonce.AddressInitiator))
	// Initiator to responder: the restart message itself still uses the old
	// relationship; the key exchange that follows does not.
	initPost := relayedNonces(t, frames[seen:], nonce.AddressInitiator, respAddr)
	require.GreaterOrEqual(t, len(initPost), 2)
	initPre := relayedNonces(t, frames[:seen], nonce.AddressInitiator, respAddr)
	require.NotEmpty(t, initPre)
	require.Equal(t, initPre[len(initPre)-1].Cookie, initPost[0].Cookie)
	requireFreshNonces(t, append(initPre, initPost[0]), initPost[1:])

	// The restarted session still carries data.
	frame, err := p.responder.sig.EncodeApplication("again")
	require.NoError(t, err)
	p.responder.send([][]byte{frame})
	pump(t, p.initiator)
	require.NoError(t, p.initiator.err)
}

// relayedNonces returns the nonces of the frames sent from src to dst.
func relayedNonces(t *testing.T, frames [][]byte, src, dst nonce.Address) []nonce.Nonce {
	t.Helper()
	var out []nonce.Nonce
	for _, f := range frames {
		n, err := nonce.Parse(f)
		require.NoError(t, err)
		if n.Source == src && n.Destination == dst {
			out = append(out, n)
		}
	}
	return out
}

// requireFreshNonces checks that after starts a new cookie and CSN, keeps
// its cookie and counts strictly upwards.
func requireFreshNonces(t *testing.T, before, after []nonce.Nonce) {
	t.Helper()
	require.NotEmpty(t, before)
	require.NotEmpty(t, after)
	last := before[len(before)-1]
	first := after[0]
	require.NotEqual(t, last.Cookie, first.Cookie)
	require.EqualValues(t, 0, first.CSN.Overflow)
	if next, err := last.CSN.Increment(); err == nil {
		require.NotEqual(t, next, first.CSN, "CSN continued from the old relationship")
	}
	for i := 1; i < len(after); i++ {
		require.Equal(t, first.Cookie, after[i].Cookie)
		require.True(t, after[i-1].CSN.Less(after[i].CSN))
	}
}

func TestRestart_DiscardsFramesSentBeforeRestart(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.initiator.takeEvents()
	p.responder.takeEvents()
	respAddr := p.responder.sig.Identity()

	// The responder sends before it has seen the restart.
	inFlight, err := p.responder.sig.EncodeApplication("in flight")
	require.NoError(t, err)
	res, err := p.initiator.sig.Restart()
	require.NoError(t, err)
	p.initiator.send(res.Replies)
	p.responder.send([][]byte{inFlight})
	pump(t, p.initiator, p.responder)

	require.NoError(t, p.initiator.err)
	require.NoError(t, p.responder.err)
	require.Equal(t, signaling.StateTask, p.initiator.sig.State())
	require.Equal(t, signaling.StateTask, p.responder.sig.State())
	require.Empty(t, eventsOf[signaling.ApplicationData](p.initiator.events))
	require.Empty(t, eventsOf[signaling.PeerDisconnected](p.initiator.events))
	require.Equal(t, []nonce.Address{respAddr}, p.srv.Responders(p.path))
	_, closed := p.responder.queue.Closed()
	require.False(t, closed)
	require.Zero(t, p.initiator.metrics.Get(metrics.RespondersDropped))
}

func TestRestart_FailingPeerIsReportedDisconnected(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.initiator.takeEvents()
	respAddr := p.responder.sig.Identity()

	_, err := p.initiator.sig.Restart()
	require.NoError(t, err)

	// A new relationship whose first message cannot be opened.
	var cookie nonce.Cookie
	for i := range cookie {
		cookie[i] = 0x42
	}
	nb := nonce.Nonce{Cookie: cookie, Source: respAddr, Destination: nonce.AddressInitiator, CSN: nonce.CombinedSequence{Sequence: 1}}.Bytes()
	require.NoError(t, p.responder.conn.Receive(append(nb[:], []byte("not a box")...)))
	pump(t, p.initiator)

	require.NoError(t, p.initiator.err)
	require.Equal(t, signaling.StatePeerHandshake, p.initiator.sig.State())
	disconnected := eventsOf[signaling.PeerDisconnected](p.initiator.events)
	require.Len(t, disconnected, 1)
	require.Equal(t, respAddr, disconnected[0].Peer)
	require.EqualValues(t, 1, p.initiator.metrics.Get(metrics.RespondersDropped))
}

func TestEncode_OverflowExhaustedIsFatal(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	signaling.SetPeerNextCSN(p.responder.sig, nonce.CombinedSequence{Overflow: math.MaxUint16, Sequence: math.MaxUint32})
	_, err := p.responder.sig.EncodeApplication("last")
	require.NoError(t, err)

	_, err = p.responder.sig.EncodeApplication("one too many")
	require.Equal(t, signaling.KindNonce, signaling.KindOf(err))
	reason, ok := nonce.ReasonOf(err)
	require.True(t, ok)
	require.Equal(t, nonce.ReasonOverflowExhausted, reason)
	require.Equal(t, signaling.StateClosed, p.responder.sig.State())
}

func TestRestart_OverflowExhaustedIsFatal(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	signaling.SetPeerNextCSN(p.initiator.sig, nonce.CombinedSequence{Overflow: math.MaxUint16, Sequence: math.MaxUint32})
	_, err := p.initiator.sig.EncodeApplication("last")
	require.NoError(t, err)

	_, err = p.initiator.sig.Restart()
	require.Equal(t, signaling.KindNonce, signaling.KindOf(err))
	require.Equal(t, signaling.StateClosed, p.initiator.sig.State())
}

func TestRestart_ResponderRejected(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	_, err := p.responder.sig.Restart()
	require.ErrorIs(t, err, signaling.ErrInvalidState)
	require.Equal(t, signaling.StateTask, p.responder.sig.State())
}

func TestSupersededResponderIsDropped(t *testing.T) {
	p := newPair(t)
	second := p.addResponder(t, webrtcTasks())
	pump(t, p.initiator, p.responder, second)

	require.NoError(t, p.initiator.err)
	require.Equal(t, signaling.StateTask, p.initiator.sig.State())

	var winner, loser *client
	switch {
	case p.responder.sig.State() == signaling.StateTask:
		winner, loser = p.responder, second
	case second.sig.State() == signaling.StateTask:
		winner, loser = second, p.responder
	default:
		t.Fatalf("no responder completed the handshake")
	}
	require.NotEqual(t, signaling.StateTask, loser.sig.State())
	require.Equal(t, []nonce.Address{winner.sig.Identity()}, p.srv.Responders(p.path))

	code, closed := loser.queue.Closed()
	require.True(t, closed)
	require.Equal(t, int(signaling.CloseDroppedByInitiator), code)

	err := loser.sig.HandleTransportClose(code)
	require.ErrorIs(t, err, signaling.ErrDroppedByInitiator)
	require.ErrorIs(t, err, signaling.ErrConnectionClosed)
	require.Equal(t, signaling.StateClosed, loser.sig.State())
}

func TestLateResponderIsDropped(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)

	late := p.addResponder(t, webrtcTasks())
	pump(t, p.initiator, p.responder, late)

	require.NoError(t, p.initiator.err)
	require.Equal(t, signaling.StateTask, p.initiator.sig.State())
	code, closed := late.queue.Closed()
	require.True(t, closed)
	require.Equal(t, int(signaling.CloseDroppedByInitiator), code)
	require.EqualValues(t, 1, p.initiator.metrics.Get(metrics.RespondersDropped))
}

func TestPeerDisconnected(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.initiator.takeEvents()

	p.responder.conn.Leave()
	pump(t, p.initiator)

	events := p.initiator.events
	require.Len(t, eventsOf[signaling.PeerDisconnected](events), 1)
	closed := eventsOf[signaling.Closed](events)
	require.Len(t, closed, 1)
	require.ErrorIs(t, closed[0].Err, signaling.ErrPeerClosed)
	require.Equal(t, signaling.StateClosed, p.initiator.sig.State())
}

func TestHandshakingResponderDisconnect(t *testing.T) {
	p := newPair(t)
	// The responder leaves before the initiator has read its token.
	pump(t, p.responder)
	p.responder.conn.Leave()
	pump(t, p.initiator)

	require.NoError(t, p.initiator.err)
	require.Equal(t, signaling.StatePeerHandshake, p.initiator.sig.State())
	require.Empty(t, eventsOf[signaling.Closed](p.initiator.events))
}

func TestNewInitiatorRestartsResponder(t *testing.T) {
	p := newPair(t)
	pump(t, p.initiator, p.responder)
	p.responder.takeEvents()

	replacement := attach(t, p.srv, p.path, "initiator", signaling.Config{
		Role:         signaling.RoleInitiator,
		PermanentKey: p.initKey,
		AuthToken:    copyToken(t, p.token),
		Tasks:        webrtcTasks(),
	})
	pump(t, replacement, p.responder)

	require.NoError(t, replacement.err)
	require.NoError(t, p.responder.err)
	require.Equal(t, signaling.StateTask, p.responder.sig.State())
	require.Equal(t, signaling.StateTask, replacement.sig.State())

	progress := eventsOf[signaling.HandshakeProgress](p.responder.events)
	require.NotEmpty(t, progress)
	require.Equal(t, "new-initiator", progress[0].Step)
}

func TestHandleTransportClose(t *testing.T) {
	p := newPair(t)
	err := p.responder.sig.HandleTransportClose(int(signaling.CloseGoingAway))
	require.ErrorIs(t, err, signaling.ErrConnectionClosed)
	require.False(t, errors.Is(err, signaling.ErrDroppedByInitiator))

	var ce *signaling.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, signaling.CloseGoingAway, ce.Code)

	require.NoError(t, p.responder.sig.HandleTransportClose(int(signaling.CloseGoingAway)))
}
