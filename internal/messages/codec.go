package messages

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

type schema struct {
	required []string
	optional []string
	new      func() Message
}

var schemas = map[Type]schema{
	TypeServerHello:   {required: []string{"key"}, new: func() Message { return &ServerHello{} }},
	TypeClientHello:   {required: []string{"key"}, new: func() Message { return &ClientHello{} }},
	TypeClientAuth:    {required: []string{"your_cookie", "subprotocols", "ping_interval"}, optional: []string{"your_key"}, new: func() Message { return &ClientAuth{} }},
	TypeServerAuth:    {required: []string{"your_cookie"}, optional: []string{"signed_keys", "initiator_connected", "responders"}, new: func() Message { return &ServerAuth{} }},
	TypeNewInitiator:  {new: func() Message { return &NewInitiator{} }},
	TypeNewResponder:  {required: []string{"id"}, new: func() Message { return &NewResponder{} }},
	TypeDropResponder: {required: []string{"id"}, optional: []string{"reason"}, new: func() Message { return &DropResponder{} }},
	TypeSendError:     {required: []string{"id"}, new: func() Message { return &SendError{} }},
	TypeDisconnected:  {required: []string{"id"}, new: func() Message { return &Disconnected{} }},
	TypeToken:         {required: []string{"key"}, new: func() Message { return &Token{} }},
	TypeKey:           {required: []string{"key"}, new: func() Message { return &Key{} }},
	TypeAuth:          {required: []string{"your_cookie", "data"}, optional: []string{"tasks", "task"}, new: func() Message { return &Auth{} }},
	TypeClose:         {required: []string{"reason"}, new: func() Message { return &Close{} }},
	TypeRestart:       {new: func() Message { return &Restart{} }},
	TypeApplication:   {required: []string{"data"}, new: func() Message { return &Application{} }},
}

// IsControlType reports whether t is defined by the signaling protocol, as
// opposed to a task.
func IsControlType(t Type) bool {
	_, ok := schemas[t]
	return ok
}

// Encode validates m and serialises it as a msgpack map with "type" first.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	setType(m)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return buf.Bytes(), nil
}

func setType(m Message) {
	t := m.MessageType()
	switch v := m.(type) {
	case *ServerHello:
		v.Type = t
	case *ClientHello:
		v.Type = t
	case *ClientAuth:
		v.Type = t
	case *ServerAuth:
		v.Type = t
	case *NewInitiator:
		v.Type = t
	case *NewResponder:
		v.Type = t
	case *DropResponder:
		v.Type = t
	case *SendError:
		v.Type = t
	case *Disconnected:
		v.Type = t
	case *Token:
		v.Type = t
	case *Key:
		v.Type = t
	case *Auth:
		v.Type = t
	case *Close:
		v.Type = t
	case *Restart:
		v.Type = t
	case *Application:
		v.Type = t
	}
}

// Decode parses a message body. Bodies with a type the protocol does not
// define are returned as *TaskMessage.
func Decode(data []byte) (Message, error) {
	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, decodeErr("", DecodeErrorMalformed, "body is not a msgpack map: %v", err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, decodeErr("", DecodeErrorMissingType, "type field is missing")
	}
	var typeName string
	if err := msgpack.Unmarshal(rawType, &typeName); err != nil || typeName == "" {
		return nil, decodeErr("", DecodeErrorMissingType, "type field must be a non-empty string")
	}
	t := Type(typeName)

	s, ok := schemas[t]
	if !ok {
		return decodeTaskMessage(t, data)
	}
	if err := s.check(t, fields); err != nil {
		return nil, err
	}

	m := s.new()
	if err := msgpack.Unmarshal(data, m); err != nil {
		return nil, decodeErr(t, DecodeErrorInvalidField, "%v", err)
	}
	if err := m.validate(); err != nil {
		return nil, decodeErr(t, DecodeErrorInvalidField, "%v", err)
	}
	return m, nil
}

func (s schema) check(t Type, fields map[string]msgpack.RawMessage) error {
	for _, name := range s.required {
		if _, ok := fields[name]; !ok {
			return decodeErr(t, DecodeErrorMissingField, "field %q is required", name)
		}
	}
	var unknown []string
	for name := range fields {
		if name == "type" || contains(s.required, name) || contains(s.optional, name) {
			continue
		}
		unknown = append(unknown, name)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return decodeErr(t, DecodeErrorUnknownField, "unexpected fields %q", unknown)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DecodeAs decodes data and requires the result to be of type T.
func DecodeAs[T Message](data []byte) (T, error) {
	var zero T
	m, err := Decode(data)
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, decodeErr(m.MessageType(), DecodeErrorUnexpected, "expected %s", zero.MessageType())
	}
	return v, nil
}
