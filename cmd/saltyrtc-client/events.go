package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

func logEvent(logger *slog.Logger, ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.HandshakeProgress:
		logger.Info("handshake progress", "state", e.State.String(), "step", e.Step, "peer", e.Peer.String())
	case signaling.TaskSelected:
		logger.Info("task running", "task", e.Task.Name, "peer", e.Peer.String())
	case signaling.TaskData:
		logger.Info("task message", "type", string(e.Message.Type), "fields", len(e.Message.Fields))
	case signaling.ApplicationData:
		logger.Debug("application message received")
	case signaling.PeerDisconnected:
		logger.Warn("peer disconnected", "peer", e.Peer.String())
	case signaling.ErrorEvent:
		logger.Error("signaling error", "kind", e.Kind.String(), "err", e.Err)
	case signaling.Closed:
		if e.Err != nil {
			logger.Warn("session closed", "code", int(e.Code), "reason", e.Code.String(), "err", e.Err)
			return
		}
		logger.Info("session closed", "code", int(e.Code), "reason", e.Code.String())
	default:
		logger.Debug("unhandled event", "event", ev)
	}
}
