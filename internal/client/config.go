package client

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

type Config struct {
	// ServerURL is the ws:// or wss:// base URL of the SaltyRTC server. The
	// initiator's public key is appended as the path.
	ServerURL string

	Signaling signaling.Config

	DialTimeout time.Duration
	// HandshakeTimeout bounds the time from connecting until the task runs.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int

	// MaxInboundMessagesPerSecond enables the inbound flood guard when > 0.
	MaxInboundMessagesPerSecond int

	// Clock drives the flood guard. Nil uses the wall clock.
	Clock ratelimit.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxMessageBytes:  64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Signaling.Logger == nil {
		c.Signaling.Logger = c.Logger
	}
	if c.Signaling.Metrics == nil {
		c.Signaling.Metrics = c.Metrics
	}
	return c
}

func (c Config) validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url %q: %w", c.ServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server url %q must use ws or wss", c.ServerURL)
	}
	if c.MaxInboundMessagesPerSecond < 0 {
		return fmt.Errorf("max inbound messages per second must be >= 0")
	}
	return nil
}

// pathKey is the initiator public key that names the server path.
func (c Config) pathKey() (string, error) {
	switch c.Signaling.Role {
	case signaling.RoleInitiator:
		if c.Signaling.PermanentKey == nil {
			return "", fmt.Errorf("%w: permanent key is required", signaling.ErrInvalidConfig)
		}
		return c.Signaling.PermanentKey.PublicKey().Hex(), nil
	case signaling.RoleResponder:
		if c.Signaling.PeerPublicKey == nil {
			return "", fmt.Errorf("%w: responder needs the initiator's public key", signaling.ErrInvalidConfig)
		}
		return c.Signaling.PeerPublicKey.Hex(), nil
	default:
		return "", fmt.Errorf("%w: unknown role %d", signaling.ErrInvalidConfig, int(c.Signaling.Role))
	}
}
