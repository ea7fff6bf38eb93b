package fetch

import (
	"errors"
	"fmt"
)

// ErrorKind partitions fetch failures for retry decisions and metrics.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindGatewayExhausted ErrorKind = "gateway_exhausted"
	KindTooLarge         ErrorKind = "too_large"
	KindNotFound         ErrorKind = "not_found"
	KindMalformedURI     ErrorKind = "malformed_uri"
)

// Retryable reports whether an attempt-level retry can help. NotFound and
// MalformedURI describe the reference itself, not the infrastructure.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindGatewayExhausted, KindTooLarge:
		return true
	}
	return false
}

func (k ErrorKind) String() string {
	return string(k)
}

// Error is a classified fetch failure. Gateway is the host that produced
// the terminal cause, or empty when no gateway was reached.
type Error struct {
	Kind    ErrorKind
	URI     string
	Gateway string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.cause != nil && e.Gateway != "":
		return fmt.Sprintf("fetch %s: %s via %s: %v", e.URI, e.Kind, e.Gateway, e.cause)
	case e.cause != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URI, e.Kind, e.cause)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URI, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func newError(kind ErrorKind, uri, gateway string, cause error) *Error {
	return &Error{Kind: kind, URI: uri, Gateway: gateway, cause: cause}
}

// AsError unwraps err to a fetch *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
