package signaling

// State is the top-level signaling state.
type State int

const (
	StateServerHandshake State = iota
	StatePeerHandshake
	StateTask
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateServerHandshake:
		return "server-handshake"
	case StatePeerHandshake:
		return "peer-handshake"
	case StateTask:
		return "task"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type ServerHandshakeState int

const (
	ServerStart ServerHandshakeState = iota
	ServerHelloReceived
	ServerClientAuthSent
	ServerDone
)

func (s ServerHandshakeState) String() string {
	switch s {
	case ServerStart:
		return "start"
	case ServerHelloReceived:
		return "server-hello-received"
	case ServerClientAuthSent:
		return "client-auth-sent"
	case ServerDone:
		return "done"
	default:
		return "unknown"
	}
}

// InitiatorHandshakeState is the initiator's view of one responder.
type InitiatorHandshakeState int

const (
	InitiatorWaitToken InitiatorHandshakeState = iota
	InitiatorWaitKey
	InitiatorWaitAuth
	InitiatorDone
)

func (s InitiatorHandshakeState) String() string {
	switch s {
	case InitiatorWaitToken:
		return "wait-token"
	case InitiatorWaitKey:
		return "wait-key"
	case InitiatorWaitAuth:
		return "wait-auth"
	case InitiatorDone:
		return "done"
	default:
		return "unknown"
	}
}

// ResponderHandshakeState is the responder's progress towards the initiator.
// Each Send state names the next message the responder will send.
type ResponderHandshakeState int

const (
	ResponderSendToken ResponderHandshakeState = iota
	ResponderSendKey
	ResponderSendAuth
	ResponderWaitAuth
	ResponderDone
)

func (s ResponderHandshakeState) String() string {
	switch s {
	case ResponderSendToken:
		return "send-token"
	case ResponderSendKey:
		return "send-key"
	case ResponderSendAuth:
		return "send-auth"
	case ResponderWaitAuth:
		return "wait-auth"
	case ResponderDone:
		return "done"
	default:
		return "unknown"
	}
}
