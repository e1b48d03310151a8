package messages

import (
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError.
var ErrDecode = errors.New("decode error")

type DecodeErrorCode string

const (
	DecodeErrorMalformed     DecodeErrorCode = "malformed"
	DecodeErrorMissingType   DecodeErrorCode = "missing_type"
	DecodeErrorMissingField  DecodeErrorCode = "missing_field"
	DecodeErrorUnknownField  DecodeErrorCode = "unknown_field"
	DecodeErrorInvalidField  DecodeErrorCode = "invalid_field"
	DecodeErrorUnexpected    DecodeErrorCode = "unexpected_type"
	DecodeErrorFrameTooShort DecodeErrorCode = "frame_too_short"
)

// DecodeError reports why a message body failed to decode.
type DecodeError struct {
	Code DecodeErrorCode
	Type Type
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s message (%s): %s", e.Type, e.Code, e.Msg)
	}
	return fmt.Sprintf("decode message (%s): %s", e.Code, e.Msg)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// NewDecodeError is used by callers that detect framing problems before the
// body reaches Decode.
func NewDecodeError(code DecodeErrorCode, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func decodeErr(t Type, code DecodeErrorCode, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Type: t, Msg: fmt.Sprintf(format, args...)}
}
