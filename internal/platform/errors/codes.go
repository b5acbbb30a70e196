// Package errors classifies failures so callers can pick the right
// recovery: retry, grace-window accumulation, drop, or provider fallback.
package errors

// Kind is a machine-readable failure classification.
type Kind string

const (
	// KindTransport covers socket drops and network timeouts. Always
	// retried with backoff, never fatal.
	KindTransport Kind = "TRANSPORT"

	// KindAuth covers explicit 401/403 rejections. Presence treats these
	// as fatal-now; manifest validation accumulates them into the
	// activation grace window.
	KindAuth Kind = "AUTH"

	// KindProtocol covers malformed messages and lines. Logged and
	// dropped, never a session failure.
	KindProtocol Kind = "PROTOCOL"

	// KindProvider covers media handshake and provider errors. Triggers
	// a fallback-provider attempt before surfacing a failed state.
	KindProvider Kind = "PROVIDER"
)

// Error pairs a failure kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Classify wraps err with a kind. A nil err returns nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind of err, or KindTransport when unclassified:
// unknown network failures are soft and retryable by default.
func KindOf(err error) Kind {
	var classified *Error
	if As(err, &classified) {
		return classified.Kind
	}
	return KindTransport
}
