package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/tezland/metadata-indexer/internal/fetch"
	"github.com/tezland/metadata-indexer/internal/store"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable regardless of its content.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

// Terminal marks err as non-retryable regardless of its content.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify maps any pipeline error to a retry decision. Typed errors win;
// the message-token fallback is conservative: unknown errors are terminal
// so defects surface instead of retrying forever.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	if fe, ok := fetch.AsError(err); ok {
		if fe.Retryable() {
			return Decision{Class: ClassTransient, Reason: "fetch_" + string(fe.Kind)}
		}
		return Decision{Class: ClassTerminal, Reason: "fetch_" + string(fe.Kind)}
	}

	if se, ok := store.AsSinkError(err); ok {
		if se.Retryable() {
			return Decision{Class: ClassTransient, Reason: "sink_" + string(se.Class)}
		}
		return Decision{Class: ClassTerminal, Reason: "sink_" + string(se.Class)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// KindLabel reduces err to a low-cardinality label for metrics and
// RetryState bookkeeping.
func KindLabel(err error) string {
	if err == nil {
		return "none"
	}
	if fe, ok := fetch.AsError(err); ok {
		return string(fe.Kind)
	}
	if se, ok := store.AsSinkError(err); ok {
		return "sink_" + string(se.Class)
	}
	return Classify(err).Reason
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
	"serialization failure",
	"deadlock detected",
}

var terminalMessageTokens = []string{
	"unsupported scheme",
	"invalid cid",
	"parse error",
	"not found",
	"constraint violation",
	"duplicate key",
	"invalid input syntax",
}
