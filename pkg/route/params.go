package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// ParamKind is the kind of value a handler parameter receives.
type ParamKind int

const (
	// ParamRequest is the incoming REQUEST *packet.Packet.
	ParamRequest ParamKind = iota + 1
	// ParamNotify is the incoming NOTIFY *packet.Packet.
	ParamNotify
	// ParamResponse is the RESPONSE *packet.Packet being built.
	ParamResponse
	// ParamConnector is the *connector.Connector the packet arrived on.
	ParamConnector
	// ParamProvider is the value of a provider registered by name.
	ParamProvider
)

// Param declares one handler parameter after the payload.
type Param struct {
	Kind ParamKind
	Name string
}

// RequestParam declares the incoming request packet.
func RequestParam() Param { return Param{Kind: ParamRequest} }

// NotifyParam declares the incoming notify packet.
func NotifyParam() Param { return Param{Kind: ParamNotify} }

// ResponseParam declares the response packet being built.
func ResponseParam() Param { return Param{Kind: ParamResponse} }

// ConnectorParam declares the connector the packet arrived on.
func ConnectorParam() Param { return Param{Kind: ParamConnector} }

// ProviderParam declares the value of the named provider.
func ProviderParam(name string) Param { return Param{Kind: ParamProvider, Name: name} }

func (p Param) validate(kind Kind) error {
	switch p.Kind {
	case ParamRequest, ParamResponse:
		if kind != KindMethod {
			return fmt.Errorf("parameter kind %d is only valid for methods", p.Kind)
		}
	case ParamNotify:
		if kind != KindNotify {
			return fmt.Errorf("parameter kind %d is only valid for notifications", p.Kind)
		}
	case ParamConnector:
	case ParamProvider:
		if p.Name == "" {
			return errors.New("provider parameter needs a name")
		}
	default:
		return fmt.Errorf("unknown parameter kind %d", p.Kind)
	}
	return nil
}

// ValidationError marks a payload that decoded but failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validator is implemented by payload types that check themselves after
// decoding.
type Validator interface {
	Validate() error
}

// Decode unmarshals payload into v and runs Validate when v implements
// Validator. Failures are parameter-invalid errors.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return rpcerr.ParamInvalid(fmt.Sprintf("cannot decode payload: %v", err)).WithCause(err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return rpcerr.ParamInvalid(err.Error()).WithCause(err)
		}
	}
	return nil
}

// Method adapts a typed request handler.
func Method[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) Handler {
	return func(ctx context.Context, payload json.RawMessage, _ ...any) (any, error) {
		var req Req
		if err := Decode(payload, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// Notify adapts a typed notification handler.
func Notify[Req any](fn func(ctx context.Context, req Req) error) Handler {
	return func(ctx context.Context, payload json.RawMessage, _ ...any) (any, error) {
		var req Req
		if err := Decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, fn(ctx, req)
	}
}
