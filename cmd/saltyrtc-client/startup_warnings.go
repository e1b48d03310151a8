package main

import (
	"log/slog"
	"net/url"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/config"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if u, err := url.Parse(cfg.ServerURL); err == nil && u.Scheme == "ws" {
		logger.Warn("startup security warning: server url uses ws:// (the server handshake and path are visible on the network)",
			"warning_code", "plaintext_websocket",
			"server_url", cfg.ServerURL,
		)
	}

	if cfg.ServerPublicKey == nil {
		logger.Warn("startup security warning: no server public key configured; signed_keys from the server are not verified",
			"warning_code", "server_key_unverified",
			"role", cfg.Role.String(),
		)
	}

	if cfg.KeyFile == "" {
		logger.Warn("startup security warning: no key file configured; using an ephemeral permanent key that peers cannot trust later",
			"warning_code", "ephemeral_permanent_key",
			"role", cfg.Role.String(),
		)
	}

	if cfg.Role == signaling.RoleResponder && cfg.AuthToken == nil {
		logger.Warn("startup security warning: responder has no auth token; the initiator must already trust this key",
			"warning_code", "responder_without_token",
		)
	}
}
