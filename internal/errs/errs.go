// Package errs defines the enumerated error taxonomy every entrypoint in the
// engine returns instead of raw Go errors bubbling across component
// boundaries.
package errs

import "fmt"

// Kind is a closed set of abstract exit/error codes.
type Kind string

const (
	Ok                Kind = "Ok"
	QuotaExceeded     Kind = "QuotaExceeded"
	RateLimited       Kind = "RateLimited"
	UnsupportedFormat Kind = "UnsupportedFormat"
	CorruptInput      Kind = "CorruptInput"
	NotFound          Kind = "NotFound"
	Forbidden         Kind = "Forbidden"
	EmbeddingFailure  Kind = "EmbeddingFailure"
	LLMFailure        Kind = "LLMFailure"
	Unavailable       Kind = "Unavailable"
	DeadlineExceeded  Kind = "DeadlineExceeded"
)

// Error wraps a Kind with request-scoped context that is safe to surface to
// a caller: a tenant id and request id, never internal identifiers.
type Error struct {
	Kind              Kind
	TenantID          string
	RequestID         string
	Message           string
	RetryAfterSeconds float64
	cause             error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (tenant=%s request=%s)", e.Kind, e.Message, e.TenantID, e.RequestID)
	}
	return fmt.Sprintf("%s: %s (tenant=%s)", e.Kind, e.Message, e.TenantID)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error carrying the given Kind.
func New(kind Kind, tenantID, message string) *Error {
	return &Error{Kind: kind, TenantID: tenantID, Message: message}
}

// Wrap attaches a Kind and tenant scope to an underlying dependency error
// without leaking its internals to the caller-visible Message.
func Wrap(kind Kind, tenantID, message string, cause error) *Error {
	return &Error{Kind: kind, TenantID: tenantID, Message: message, cause: cause}
}

// WithRequestID returns a copy of e annotated with the request id.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// WithRetryAfter returns a copy of e annotated with a retry-after hint, used
// by QuotaExceeded and RateLimited responses.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	cp := *e
	cp.RetryAfterSeconds = seconds
	return &cp
}

// Is supports errors.Is against a bare Kind sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, defaulting to Unavailable for anything
// that isn't an *Error (a dependency failure that wasn't classified).
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Unavailable
}
