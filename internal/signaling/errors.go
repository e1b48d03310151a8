package signaling

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

var (
	// ErrProtocol is returned for messages that arrive in a state that does not
	// permit them, or whose contents contradict the handshake.
	ErrProtocol = errors.New("protocol error")

	ErrInvalidConfig = errors.New("invalid signaling config")
	ErrClosed        = errors.New("signaling session is closed")
	ErrInvalidState  = errors.New("operation not valid in current state")

	// ErrConnectionClosed matches every *CloseError.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDroppedByInitiator means the server closed this responder because
	// the initiator picked another responder.
	ErrDroppedByInitiator = errors.New("dropped by initiator")
	ErrSendFailed         = errors.New("server could not relay message")
	ErrPeerClosed         = errors.New("peer closed the session")
)

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// CloseError is the terminal error for a connection closed by the remote end.
type CloseError struct {
	Code CloseCode
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d (%s)", int(e.Code), e.Code)
}

func (e *CloseError) Is(target error) bool {
	switch target {
	case ErrConnectionClosed:
		return true
	case ErrDroppedByInitiator:
		return e.Code == CloseDroppedByInitiator
	}
	return false
}

// ErrorKind classifies terminal errors for callers.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindDecode
	KindCrypto
	KindNonce
	KindProtocol
	KindNoCommonTask
)

func (k ErrorKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindCrypto:
		return "crypto"
	case KindNonce:
		return "nonce"
	case KindProtocol:
		return "protocol"
	case KindNoCommonTask:
		return "no_common_task"
	default:
		return "transport"
	}
}

func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, nonce.ErrViolation):
		return KindNonce
	case errors.Is(err, cryptobox.ErrDecrypt):
		return KindCrypto
	case errors.Is(err, messages.ErrDecode):
		return KindDecode
	case errors.Is(err, tasks.ErrNoCommonTask):
		return KindNoCommonTask
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	default:
		return KindTransport
	}
}
