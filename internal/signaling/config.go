package signaling

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Config is supplied by the embedding application. The key store and auth
// token remain owned by the caller; the auth token is zeroed once a client
// handshake completes with it.
type Config struct {
	Role Role

	// PermanentKey is the local long-term key pair.
	PermanentKey *cryptobox.KeyStore

	// PeerPublicKey is the initiator's permanent key for a responder
	// (required), or a trusted responder key for an initiator.
	PeerPublicKey *cryptobox.PublicKey

	// AuthToken is the one-time secret used when the initiator does not
	// already trust the responder's permanent key.
	AuthToken *cryptobox.AuthToken

	// ServerPublicKey enables verification of the server's signed_keys.
	ServerPublicKey *cryptobox.PublicKey

	// Tasks is the initiator's proposal in priority order, or the set of
	// tasks a responder supports.
	Tasks []tasks.Task

	// PingInterval is requested from the server in client-auth. Zero
	// disables server pings.
	PingInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) validate() error {
	if c.PermanentKey == nil {
		return fmt.Errorf("%w: permanent key is required", ErrInvalidConfig)
	}
	if err := tasks.Validate(c.Tasks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.PingInterval < 0 || c.PingInterval/time.Second > math.MaxUint32 {
		return fmt.Errorf("%w: ping interval %s out of range", ErrInvalidConfig, c.PingInterval)
	}
	switch c.Role {
	case RoleInitiator:
		if c.PeerPublicKey == nil && !c.AuthToken.Valid() {
			return fmt.Errorf("%w: initiator needs a trusted responder key or an auth token", ErrInvalidConfig)
		}
	case RoleResponder:
		if c.PeerPublicKey == nil {
			return fmt.Errorf("%w: responder needs the initiator's public key", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown role %d", ErrInvalidConfig, int(c.Role))
	}
	return nil
}
