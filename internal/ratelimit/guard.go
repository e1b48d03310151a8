package ratelimit

import "github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"

// InboundGuard spends one token per frame received from the server. The
// burst equals one second's worth of frames.
type InboundGuard struct {
	bucket  *TokenBucket
	metrics *metrics.Metrics
}

// NewInboundGuard returns nil when perSecond <= 0; a nil guard admits
// everything.
func NewInboundGuard(clock Clock, perSecond int, m *metrics.Metrics) *InboundGuard {
	if perSecond <= 0 {
		return nil
	}
	return &InboundGuard{
		bucket:  NewTokenBucket(clock, int64(perSecond), int64(perSecond)),
		metrics: m,
	}
}

func (g *InboundGuard) Allow() bool {
	if g == nil {
		return true
	}
	if g.bucket.Allow(1) {
		return true
	}
	g.metrics.Inc(metrics.InboundRateLimited)
	return false
}
