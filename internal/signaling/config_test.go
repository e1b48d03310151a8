package signaling_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

func TestNew_ConfigValidation(t *testing.T) {
	ks := mustKeyStore(t)
	peer := mustKeyStore(t).PublicKey()
	token, err := cryptobox.GenerateAuthToken()
	require.NoError(t, err)

	cases := []struct {
		name string
		cfg  signaling.Config
	}{
		{"missing permanent key", signaling.Config{Role: signaling.RoleInitiator, AuthToken: token, Tasks: webrtcTasks()}},
		{"unknown role", signaling.Config{PermanentKey: ks, AuthToken: token, Tasks: webrtcTasks()}},
		{"no tasks", signaling.Config{Role: signaling.RoleInitiator, PermanentKey: ks, AuthToken: token}},
		{"duplicate task", signaling.Config{Role: signaling.RoleInitiator, PermanentKey: ks, AuthToken: token, Tasks: []tasks.Task{{Name: "a"}, {Name: "a"}}}},
		{"initiator without trust", signaling.Config{Role: signaling.RoleInitiator, PermanentKey: ks, Tasks: webrtcTasks()}},
		{"responder without initiator key", signaling.Config{Role: signaling.RoleResponder, PermanentKey: ks, AuthToken: token, Tasks: webrtcTasks()}},
		{"negative ping interval", signaling.Config{Role: signaling.RoleResponder, PermanentKey: ks, PeerPublicKey: &peer, Tasks: webrtcTasks(), PingInterval: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := signaling.New(tc.cfg)
			require.ErrorIs(t, err, signaling.ErrInvalidConfig)
		})
	}
}

func TestNew_InitialState(t *testing.T) {
	peer := mustKeyStore(t).PublicKey()
	s, err := signaling.New(signaling.Config{
		Role:          signaling.RoleResponder,
		PermanentKey:  mustKeyStore(t),
		PeerPublicKey: &peer,
		Tasks:         webrtcTasks(),
	})
	require.NoError(t, err)
	require.Equal(t, signaling.StateServerHandshake, s.State())
	require.Equal(t, signaling.RoleResponder, s.Role())
	require.Zero(t, s.Identity())
	_, ok := s.ServerSessionKey()
	require.False(t, ok)
}
