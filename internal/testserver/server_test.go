package testserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAttach_InvalidPath(t *testing.T) {
	s := New(quiet())
	_, err := s.Attach("not-hex", &Queue{})
	require.ErrorIs(t, err, ErrInvalidPath)
	_, err = s.Attach("abcd", &Queue{})
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestAttach_SendsPlainServerHello(t *testing.T) {
	s := New(quiet())
	ks, err := cryptobox.GenerateKeyStore()
	require.NoError(t, err)

	q := &Queue{}
	_, err = s.Attach(ks.PublicKey().Hex(), q)
	require.NoError(t, err)

	frames := q.Drain()
	require.Len(t, frames, 1)
	n, err := nonce.Parse(frames[0])
	require.NoError(t, err)
	require.Equal(t, nonce.AddressServer, n.Source)
	require.Equal(t, nonce.AddressServer, n.Destination)
	require.Zero(t, n.CSN.Overflow)

	hello, err := messages.DecodeAs[*messages.ServerHello](frames[0][nonce.Size:])
	require.NoError(t, err)
	require.Len(t, hello.Key, cryptobox.KeySize)
}

func TestReceive_GarbageClosesClient(t *testing.T) {
	s := New(quiet())
	ks, err := cryptobox.GenerateKeyStore()
	require.NoError(t, err)

	q := &Queue{}
	c, err := s.Attach(ks.PublicKey().Hex(), q)
	require.NoError(t, err)

	require.Error(t, c.Receive([]byte("short")))
	code, closed := q.Closed()
	require.True(t, closed)
	require.Equal(t, closeProtocolError, code)
	require.ErrorIs(t, c.Receive([]byte("again")), ErrClosed)
}

func TestReceive_RelayBeforeAuthIsRejected(t *testing.T) {
	s := New(quiet())
	ks, err := cryptobox.GenerateKeyStore()
	require.NoError(t, err)

	q := &Queue{}
	c, err := s.Attach(ks.PublicKey().Hex(), q)
	require.NoError(t, err)

	cookie, err := nonce.RandomCookie()
	require.NoError(t, err)
	n := nonce.Nonce{Cookie: cookie, Source: 0, Destination: nonce.AddressInitiator}
	nb := n.Bytes()
	require.Error(t, c.Receive(append(nb[:], 0x80)))
	_, closed := q.Closed()
	require.True(t, closed)
}

func TestQueue_IgnoresSendsAfterClose(t *testing.T) {
	q := &Queue{}
	q.Send([]byte{1})
	q.Close(3004)
	q.Send([]byte{2})
	q.Close(1000)

	require.Equal(t, [][]byte{{1}}, q.Drain())
	code, closed := q.Closed()
	require.True(t, closed)
	require.Equal(t, 3004, code)
	require.Empty(t, q.Drain())
}

func TestFramesAndInject(t *testing.T) {
	s := New(quiet())
	ks, err := cryptobox.GenerateKeyStore()
	require.NoError(t, err)

	q := &Queue{}
	c, err := s.Attach(ks.PublicKey().Hex(), q)
	require.NoError(t, err)
	q.Drain()

	require.NoError(t, c.Inject([]byte{1, 2, 3}))
	require.Equal(t, [][]byte{{1, 2, 3}}, q.Drain())

	_ = c.Receive([]byte{9})
	require.Equal(t, [][]byte{{9}}, s.Frames())
	require.ErrorIs(t, c.Inject([]byte{4}), ErrClosed)
}
