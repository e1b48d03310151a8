package signaling

import "github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"

// SetPeerNextCSN moves the outgoing CSN towards the task peer.
func SetPeerNextCSN(s *Signaling, c nonce.CombinedSequence) {
	s.hs.peer().tracker.SetNextCSN(c)
}
