package messages

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// TaskMessage is a message whose type is owned by the negotiated task. Its
// fields are passed through uninterpreted.
type TaskMessage struct {
	Type   Type
	Fields map[string]any
}

func (m *TaskMessage) MessageType() Type { return m.Type }

func (m *TaskMessage) validate() error {
	if m.Type == "" {
		return fmt.Errorf("task message type must not be empty")
	}
	if IsControlType(m.Type) {
		return fmt.Errorf("type %q is reserved by the signaling protocol", m.Type)
	}
	if _, ok := m.Fields["type"]; ok {
		return fmt.Errorf("fields must not contain the type key")
	}
	return nil
}

// EncodeMsgpack writes "type" first and the remaining fields in key order so
// that the encoding is deterministic.
func (m *TaskMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := enc.EncodeMapLen(len(keys) + 1); err != nil {
		return err
	}
	if err := encodeEntry(enc, "type", string(m.Type)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := encodeEntry(enc, k, m.Fields[k]); err != nil {
			return err
		}
	}
	return nil
}

func decodeTaskMessage(t Type, data []byte) (*TaskMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	fields, err := dec.DecodeMap()
	if err != nil {
		return nil, decodeErr(t, DecodeErrorMalformed, "%v", err)
	}
	delete(fields, "type")
	return &TaskMessage{Type: t, Fields: fields}, nil
}
