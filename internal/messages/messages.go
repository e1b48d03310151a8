// Package messages defines the SaltyRTC message taxonomy and its msgpack wire
// encoding. Every message is a msgpack map whose first entry is the "type"
// string; the set of fields per type is fixed and checked on decode.
package messages

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type is the value of the "type" field.
type Type string

const (
	TypeServerHello   Type = "server-hello"
	TypeClientHello   Type = "client-hello"
	TypeClientAuth    Type = "client-auth"
	TypeServerAuth    Type = "server-auth"
	TypeNewInitiator  Type = "new-initiator"
	TypeNewResponder  Type = "new-responder"
	TypeDropResponder Type = "drop-responder"
	TypeSendError     Type = "send-error"
	TypeDisconnected  Type = "disconnected"
	TypeToken         Type = "token"
	TypeKey           Type = "key"
	TypeAuth          Type = "auth"
	TypeClose         Type = "close"
	TypeRestart       Type = "restart"
	TypeApplication   Type = "application"
)

// Subprotocol is the WebSocket subprotocol and the only entry of the
// client-auth subprotocols list.
const Subprotocol = "v1.saltyrtc.org"

const (
	keySize      = 32
	cookieSize   = 16
	messageIDLen = 8
)

// Message is implemented by every protocol message, including TaskMessage.
type Message interface {
	MessageType() Type
	validate() error
}

type ServerHello struct {
	Type Type   `msgpack:"type"`
	Key  []byte `msgpack:"key"`
}

type ClientHello struct {
	Type Type   `msgpack:"type"`
	Key  []byte `msgpack:"key"`
}

type ClientAuth struct {
	Type         Type     `msgpack:"type"`
	YourCookie   []byte   `msgpack:"your_cookie"`
	Subprotocols []string `msgpack:"subprotocols"`
	PingInterval uint32   `msgpack:"ping_interval"`
	YourKey      []byte   `msgpack:"your_key,omitempty"`
}

// ServerAuth carries initiator presence for responders and the list of
// connected responders for the initiator. Exactly one of InitiatorConnected
// and Responders is set.
type ServerAuth struct {
	Type               Type   `msgpack:"type"`
	YourCookie         []byte `msgpack:"your_cookie"`
	SignedKeys         []byte `msgpack:"signed_keys,omitempty"`
	InitiatorConnected *bool  `msgpack:"initiator_connected,omitempty"`
	Responders         []int  `msgpack:"responders"`
}

type NewInitiator struct {
	Type Type `msgpack:"type"`
}

type NewResponder struct {
	Type Type `msgpack:"type"`
	ID   int  `msgpack:"id"`
}

type DropResponder struct {
	Type   Type   `msgpack:"type"`
	ID     int    `msgpack:"id"`
	Reason uint16 `msgpack:"reason,omitempty"`
}

// SendError reports a message the server could not relay. ID is the
// source, destination and CSN of that message.
type SendError struct {
	Type Type   `msgpack:"type"`
	ID   []byte `msgpack:"id"`
}

type Disconnected struct {
	Type Type `msgpack:"type"`
	ID   int  `msgpack:"id"`
}

type Token struct {
	Type Type   `msgpack:"type"`
	Key  []byte `msgpack:"key"`
}

type Key struct {
	Type Type   `msgpack:"type"`
	Key  []byte `msgpack:"key"`
}

// Auth is sent by the responder with Tasks set, and answered by the initiator
// with the selected Task. Data maps task names to their configuration.
type Auth struct {
	Type       Type                      `msgpack:"type"`
	YourCookie []byte                    `msgpack:"your_cookie"`
	Tasks      []string                  `msgpack:"tasks,omitempty"`
	Task       string                    `msgpack:"task,omitempty"`
	Data       map[string]map[string]any `msgpack:"data"`
}

type Close struct {
	Type   Type   `msgpack:"type"`
	Reason uint16 `msgpack:"reason"`
}

type Restart struct {
	Type Type `msgpack:"type"`
}

type Application struct {
	Type Type `msgpack:"type"`
	Data any  `msgpack:"data"`
}

func (*ServerHello) MessageType() Type   { return TypeServerHello }
func (*ClientHello) MessageType() Type   { return TypeClientHello }
func (*ClientAuth) MessageType() Type    { return TypeClientAuth }
func (*ServerAuth) MessageType() Type    { return TypeServerAuth }
func (*NewInitiator) MessageType() Type  { return TypeNewInitiator }
func (*NewResponder) MessageType() Type  { return TypeNewResponder }
func (*DropResponder) MessageType() Type { return TypeDropResponder }
func (*SendError) MessageType() Type     { return TypeSendError }
func (*Disconnected) MessageType() Type  { return TypeDisconnected }
func (*Token) MessageType() Type         { return TypeToken }
func (*Key) MessageType() Type           { return TypeKey }
func (*Auth) MessageType() Type          { return TypeAuth }
func (*Close) MessageType() Type         { return TypeClose }
func (*Restart) MessageType() Type       { return TypeRestart }
func (*Application) MessageType() Type   { return TypeApplication }

func (m *ServerHello) validate() error { return checkLen("key", m.Key, keySize) }
func (m *ClientHello) validate() error { return checkLen("key", m.Key, keySize) }
func (m *Token) validate() error       { return checkLen("key", m.Key, keySize) }
func (m *Key) validate() error         { return checkLen("key", m.Key, keySize) }

func (m *ClientAuth) validate() error {
	if err := checkLen("your_cookie", m.YourCookie, cookieSize); err != nil {
		return err
	}
	if len(m.Subprotocols) == 0 {
		return fmt.Errorf("subprotocols must not be empty")
	}
	if m.YourKey != nil {
		return checkLen("your_key", m.YourKey, keySize)
	}
	return nil
}

func (m *ServerAuth) validate() error {
	if err := checkLen("your_cookie", m.YourCookie, cookieSize); err != nil {
		return err
	}
	if m.InitiatorConnected != nil && m.Responders != nil {
		return fmt.Errorf("initiator_connected and responders are mutually exclusive")
	}
	if m.SignedKeys != nil && len(m.SignedKeys) != 2*keySize+16 {
		return fmt.Errorf("signed_keys must be %d bytes, got %d", 2*keySize+16, len(m.SignedKeys))
	}
	return nil
}

func (m *NewInitiator) validate() error  { return nil }
func (m *NewResponder) validate() error  { return checkResponderID(m.ID) }
func (m *DropResponder) validate() error { return checkResponderID(m.ID) }
func (m *SendError) validate() error     { return checkLen("id", m.ID, messageIDLen) }
func (m *Restart) validate() error       { return nil }
func (m *Application) validate() error   { return nil }

func (m *Disconnected) validate() error {
	if m.ID < 1 || m.ID > 0xff {
		return fmt.Errorf("id %d is not a client address", m.ID)
	}
	return nil
}

func (m *Auth) validate() error {
	if err := checkLen("your_cookie", m.YourCookie, cookieSize); err != nil {
		return err
	}
	hasTasks, hasTask := len(m.Tasks) > 0, m.Task != ""
	if hasTasks == hasTask {
		return fmt.Errorf("exactly one of task and tasks must be set")
	}
	if m.Data == nil {
		return fmt.Errorf("data must be present")
	}
	if hasTask {
		if _, ok := m.Data[m.Task]; !ok || len(m.Data) != 1 {
			return fmt.Errorf("data must hold exactly the selected task %q", m.Task)
		}
		return nil
	}
	for _, name := range m.Tasks {
		if _, ok := m.Data[name]; !ok {
			return fmt.Errorf("data is missing an entry for task %q", name)
		}
	}
	return nil
}

func (m *Close) validate() error {
	if m.Reason == 0 {
		return fmt.Errorf("reason must be set")
	}
	return nil
}

// EncodeMsgpack writes exactly one of initiator_connected and responders,
// since an empty responders list is still meaningful.
func (m *ServerAuth) EncodeMsgpack(enc *msgpack.Encoder) error {
	n := 3
	if m.SignedKeys != nil {
		n++
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}
	if err := encodeEntry(enc, "type", string(TypeServerAuth)); err != nil {
		return err
	}
	if err := encodeEntry(enc, "your_cookie", m.YourCookie); err != nil {
		return err
	}
	if m.SignedKeys != nil {
		if err := encodeEntry(enc, "signed_keys", m.SignedKeys); err != nil {
			return err
		}
	}
	if m.InitiatorConnected != nil {
		return encodeEntry(enc, "initiator_connected", *m.InitiatorConnected)
	}
	responders := m.Responders
	if responders == nil {
		responders = []int{}
	}
	return encodeEntry(enc, "responders", responders)
}

func encodeEntry(enc *msgpack.Encoder, key string, value any) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.Encode(value)
}

func checkLen(field string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%s must be %d bytes, got %d", field, want, len(b))
	}
	return nil
}

func checkResponderID(id int) error {
	if id < 0x02 || id > 0xff {
		return fmt.Errorf("id %d is not a responder address", id)
	}
	return nil
}
