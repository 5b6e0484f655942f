package types

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork   = errors.New("network error")
	ErrIntegrity = errors.New("integrity error")
	ErrProtocol  = errors.New("protocol error")
	ErrResource  = errors.New("resource error")
	ErrConfig    = errors.New("configuration error")
)

// Error carries the failure class together with the operation and peer it is scoped to.
type Error struct {
	Kind error
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NetworkError(op, peer string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Peer: peer, Err: err}
}

func IntegrityError(op, peer string, err error) error {
	return &Error{Kind: ErrIntegrity, Op: op, Peer: peer, Err: err}
}

func ProtocolError(op, peer string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Peer: peer, Err: err}
}

func ResourceError(op string, err error) error {
	return &Error{Kind: ErrResource, Op: op, Err: err}
}

func ConfigErrorf(format string, args ...any) error {
	return &Error{Kind: ErrConfig, Err: fmt.Errorf(format, args...)}
}

// Classify names the failure class of err for log records.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.Is(err, ErrIntegrity):
		return "IntegrityError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrResource):
		return "ResourceError"
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	}
	return "Error"
}

// KindByName is the inverse of Classify. Unknown names map to ErrProtocol.
func KindByName(name string) error {
	switch name {
	case "NetworkError":
		return ErrNetwork
	case "IntegrityError":
		return ErrIntegrity
	case "ResourceError":
		return ErrResource
	case "ConfigError":
		return ErrConfig
	}
	return ErrProtocol
}
