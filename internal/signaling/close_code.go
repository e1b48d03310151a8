package signaling

import "strconv"

// CloseCode is a WebSocket close code or the reason of a close message.
type CloseCode uint16

const (
	CloseNormal                   CloseCode = 1000
	CloseGoingAway                CloseCode = 1001
	CloseNoSharedSubprotocol      CloseCode = 1002
	ClosePathFull                 CloseCode = 3000
	CloseProtocolError            CloseCode = 3001
	CloseInternalError            CloseCode = 3002
	CloseHandover                 CloseCode = 3003
	CloseDroppedByInitiator       CloseCode = 3004
	CloseInitiatorCouldNotDecrypt CloseCode = 3005
	CloseNoSharedTask             CloseCode = 3006
	CloseInvalidKey               CloseCode = 3007
	CloseTimeout                  CloseCode = 3008
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going away"
	case CloseNoSharedSubprotocol:
		return "no shared subprotocol"
	case ClosePathFull:
		return "path full"
	case CloseProtocolError:
		return "protocol error"
	case CloseInternalError:
		return "internal error"
	case CloseHandover:
		return "handover"
	case CloseDroppedByInitiator:
		return "dropped by initiator"
	case CloseInitiatorCouldNotDecrypt:
		return "initiator could not decrypt"
	case CloseNoSharedTask:
		return "no shared task"
	case CloseInvalidKey:
		return "invalid key"
	case CloseTimeout:
		return "timeout"
	default:
		return strconv.Itoa(int(c))
	}
}

// CloseCodeFor picks the close code sent to the server when err ends the
// session.
func CloseCodeFor(err error) CloseCode {
	switch KindOf(err) {
	case KindNoCommonTask:
		return CloseNoSharedTask
	case KindDecode, KindCrypto, KindNonce, KindProtocol:
		return CloseProtocolError
	default:
		return CloseGoingAway
	}
}
