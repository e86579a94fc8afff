package rpc

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire.
const (
	CodeReadOnly      = "readonly"
	CodeStaleEpoch    = "stale_epoch"
	CodeFenced        = "fenced"
	CodeNotFound      = "not_found"
	CodeBadRequest    = "bad_request"
	CodeUnauthorized  = "unauthorized"
	CodeUnknownMethod = "unknown_method"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
)

// Error is an application error returned by a remote handler. ReadOnly
// errors carry the primary the caller should redirect to.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Primary string `json:"primary,omitempty"`
	Epoch   uint64 `json:"epoch,omitempty"`
}

func (e *Error) Error() string {
	if e.Primary != "" {
		return fmt.Sprintf("%s: %s (primary %s, epoch %d)", e.Code, e.Message, e.Primary, e.Epoch)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so that errors.Is(err, rpc.ErrReadOnly) works for
// errors decoded from the wire.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrReadOnly      = &Error{Code: CodeReadOnly, Message: "node is not the primary"}
	ErrStaleEpoch    = &Error{Code: CodeStaleEpoch, Message: "stale epoch"}
	ErrFenced        = &Error{Code: CodeFenced, Message: "epoch fenced"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
	ErrUnauthorized  = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrUnknownMethod = &Error{Code: CodeUnknownMethod, Message: "unknown method"}
)

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any handler error into a wire error.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// CodeOf returns the code of a remote error, or "" for transport errors.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
