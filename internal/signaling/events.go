package signaling

import (
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/messages"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/tasks"
)

// Event is one item of a session's ordered event stream.
type Event interface {
	isEvent()
}

// HandshakeProgress reports a completed handshake step.
type HandshakeProgress struct {
	State State
	Step  string
	Peer  nonce.Address
}

// TaskSelected is emitted once both peers have exchanged auth. Task carries
// the local configuration and PeerData the remote one.
type TaskSelected struct {
	Task     tasks.Task
	Peer     nonce.Address
	PeerData map[string]any
}

type TaskData struct {
	Message *messages.TaskMessage
}

type ApplicationData struct {
	Data any
}

type PeerDisconnected struct {
	Peer nonce.Address
}

type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

// Closed is always the last event. Err is nil for an orderly close.
type Closed struct {
	Code CloseCode
	Err  error
}

func (HandshakeProgress) isEvent() {}
func (TaskSelected) isEvent()      {}
func (TaskData) isEvent()          {}
func (ApplicationData) isEvent()   {}
func (PeerDisconnected) isEvent()  {}
func (ErrorEvent) isEvent()        {}
func (Closed) isEvent()            {}

// Result is what handling one frame produced: frames to write, in order, and
// events to publish.
type Result struct {
	Replies [][]byte
	Events  []Event
}

func (r *Result) reply(frame []byte) { r.Replies = append(r.Replies, frame) }
func (r *Result) emit(e Event)       { r.Events = append(r.Events, e) }
