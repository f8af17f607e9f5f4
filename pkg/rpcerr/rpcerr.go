// Package rpcerr defines the structured error taxonomy shared by the transport,
// dispatch and pool layers. Errors carry a stable numeric code, a severity level
// and optional arguments, and travel over the wire inside Response payloads.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
)

// Level is the severity of an error.
type Level int

const (
	// LevelExpected marks failures that are part of normal operation (validation, not found).
	LevelExpected Level = 1
	// LevelUnexpected marks failures that indicate a bug or an unhealthy peer.
	LevelUnexpected Level = 2
	// LevelFatal marks failures after which the component cannot continue.
	LevelFatal Level = 3
)

func (l Level) String() string {
	switch l {
	case LevelExpected:
		return "expected"
	case LevelUnexpected:
		return "unexpected"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Stable error codes.
const (
	CodeUnknown           = -1
	CodeTunnelUnavailable = -2
	CodePayloadTooLarge   = -3
	CodeFrameParse        = -4
	CodeMethodNotFound    = -5
	CodeTimeout           = -6
	CodeSenderNotFound    = -7
	CodeParamInvalid      = -8
	CodeEmptyResponse     = -9
	CodeUnsupportedOpcode = -10
	CodeAborted           = -11
	CodeTooManyRetries    = -12
	CodeIllegalState      = -13
	CodeResponseInvalid   = -14
)

var names = map[int]string{
	CodeUnknown:           "ERR_UNKNOWN",
	CodeTunnelUnavailable: "ERR_RPC_TUNNEL_NOT_AVAILABLE",
	CodePayloadTooLarge:   "ERR_RPC_PAYLOAD_TOO_LARGE",
	CodeFrameParse:        "ERR_RPC_FRAME_PARSE",
	CodeMethodNotFound:    "ERR_RPC_METHOD_NOT_FOUND",
	CodeTimeout:           "ERR_RPC_TIMEOUT",
	CodeSenderNotFound:    "ERR_RPC_SENDER_NOT_FOUND",
	CodeParamInvalid:      "ERR_RPC_PARAM_INVALID",
	CodeEmptyResponse:     "ERR_RPC_EMPTY_RESPONSE",
	CodeUnsupportedOpcode: "ERR_RPC_UNSUPPORTED_OPCODE",
	CodeAborted:           "ERR_ABORTED",
	CodeTooManyRetries:    "ERR_TOO_MANY_RETRIES",
	CodeIllegalState:      "ERR_ILLEGAL_STATE",
	CodeResponseInvalid:   "ERR_RPC_RESPONSE_INVALID",
}

// Name returns the stable name registered for code.
func Name(code int) string {
	if n, ok := names[code]; ok {
		return n
	}
	return names[CodeUnknown]
}

// Error is a structured error. The exported fields are its wire form.
type Error struct {
	Code    int            `json:"code"`
	Level   Level          `json:"level"`
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Args    map[string]any `json:"args,omitempty"`

	cause error
}

// New creates an Error with the registered name for code.
func New(code int, level Level, message string) *Error {
	return &Error{Code: code, Level: level, Name: Name(code), Message: message}
}

func (e *Error) Error() string {
	return e.Name + ": " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithArgs attaches structured arguments and returns e.
func (e *Error) WithArgs(kv ...any) *Error {
	if e.Args == nil {
		e.Args = make(map[string]any, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		e.Args[k] = kv[i+1]
	}
	return e
}

// WithCause records the underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Sentinels for errors.Is comparisons. Only Code is compared.
var (
	ErrTunnelUnavailable = &Error{Code: CodeTunnelUnavailable}
	ErrPayloadTooLarge   = &Error{Code: CodePayloadTooLarge}
	ErrFrameParse        = &Error{Code: CodeFrameParse}
	ErrMethodNotFound    = &Error{Code: CodeMethodNotFound}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrSenderNotFound    = &Error{Code: CodeSenderNotFound}
	ErrParamInvalid      = &Error{Code: CodeParamInvalid}
	ErrEmptyResponse     = &Error{Code: CodeEmptyResponse}
	ErrUnsupportedOpcode = &Error{Code: CodeUnsupportedOpcode}
	ErrAborted           = &Error{Code: CodeAborted}
	ErrTooManyRetries    = &Error{Code: CodeTooManyRetries}
	ErrIllegalState      = &Error{Code: CodeIllegalState}
	ErrResponseInvalid   = &Error{Code: CodeResponseInvalid}
)

// TunnelUnavailable reports that no usable physical link exists.
func TunnelUnavailable(address string) *Error {
	return New(CodeTunnelUnavailable, LevelUnexpected, fmt.Sprintf("tunnel to %s is not available", address)).
		WithArgs("address", address)
}

// PayloadTooLarge reports a frame that does not fit the length prefix.
func PayloadTooLarge(size, limit uint64) *Error {
	return New(CodePayloadTooLarge, LevelUnexpected, fmt.Sprintf("payload size %d exceeds limit %d", size, limit)).
		WithArgs("size", size, "limit", limit)
}

// FrameParse reports a frame that could not be decoded.
func FrameParse(err error) *Error {
	return New(CodeFrameParse, LevelUnexpected, fmt.Sprintf("failed to parse frame: %v", err)).WithCause(err)
}

// MethodNotFound reports a call to an unregistered method.
func MethodNotFound(method string) *Error {
	return New(CodeMethodNotFound, LevelExpected, fmt.Sprintf("method %q not found", method)).
		WithArgs("method", method)
}

// Timeout reports an RPC that received no response in time.
func Timeout(method, address string) *Error {
	return New(CodeTimeout, LevelUnexpected, fmt.Sprintf("rpc %q to %s timed out", method, address)).
		WithArgs("method", method, "address", address)
}

// SenderNotFound reports that no ready sender matched the call.
func SenderNotFound(service, targetID string) *Error {
	msg := fmt.Sprintf("no available sender for service %q", service)
	if targetID != "" {
		msg = fmt.Sprintf("no available sender for service %q on node %q", service, targetID)
	}
	return New(CodeSenderNotFound, LevelUnexpected, msg).WithArgs("service", service, "targetId", targetID)
}

// ParamInvalid reports a payload that failed decoding or validation.
func ParamInvalid(message string) *Error {
	return New(CodeParamInvalid, LevelExpected, message)
}

// EmptyResponse reports a request handler that produced no response.
func EmptyResponse(method string) *Error {
	return New(CodeEmptyResponse, LevelUnexpected, fmt.Sprintf("method %q produced no response", method)).
		WithArgs("method", method)
}

// UnsupportedOpcode reports a frame with an opcode the receiver cannot handle.
func UnsupportedOpcode(op int) *Error {
	return New(CodeUnsupportedOpcode, LevelUnexpected, fmt.Sprintf("unsupported opcode %d", op)).
		WithArgs("opcode", op)
}

// Aborted reports cancellation. cause is the abort reason, if any.
func Aborted(cause error) *Error {
	msg := "operation aborted"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg = "operation aborted: " + cause.Error()
	}
	return New(CodeAborted, LevelExpected, msg).WithCause(cause)
}

// TooManyRetries reports an exhausted retry budget.
func TooManyRetries(attempts int, last error) *Error {
	return New(CodeTooManyRetries, LevelUnexpected, fmt.Sprintf("gave up after %d attempts", attempts)).
		WithArgs("attempts", attempts).WithCause(last)
}

// IllegalState reports an operation attempted in the wrong lifecycle state.
func IllegalState(message string) *Error {
	return New(CodeIllegalState, LevelUnexpected, message)
}

// ResponseInvalid reports a RESPONSE frame whose payload has the wrong shape.
func ResponseInvalid(err error) *Error {
	return New(CodeResponseInvalid, LevelUnexpected, fmt.Sprintf("invalid response payload: %v", err)).WithCause(err)
}

// From converts any error into an *Error. Plain errors become CodeUnknown;
// context cancellation becomes CodeAborted.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return Aborted(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, LevelUnexpected, err.Error()).WithCause(err)
	}
	return New(CodeUnknown, LevelUnexpected, err.Error()).WithCause(err)
}

// IsAborted reports whether err represents cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// ShouldLog reports whether err deserves an error-level log line:
// unexpected and fatal errors do, expected errors and cancellation do not.
func ShouldLog(err error) bool {
	if err == nil || IsAborted(err) {
		return false
	}
	return From(err).Level >= LevelUnexpected
}
