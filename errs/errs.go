// Package errs provides structured error types and helpers for Courier delivery components.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies a delivery error category.
type Code string

const (
	// CodeRateLimited indicates that the remote store throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the remote store is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates a malformed request rejected by the remote store.
	CodeInvalid Code = "invalid_request"
	// CodePermanent indicates a failure that cannot succeed on retry.
	CodePermanent Code = "permanent"
	// CodeDisabled indicates the component is disabled and performed no work.
	CodeDisabled Code = "disabled"
	// CodeInternal captures uncategorized internal failures.
	CodeInternal Code = "internal"
)

// Class groups delivery codes by how the retry path should treat them.
type Class string

const (
	// ClassTransient marks failures worth retrying with backoff.
	ClassTransient Class = "transient"
	// ClassRateLimited marks throttled failures that need a cooldown before retrying.
	ClassRateLimited Class = "rate_limited"
	// ClassPermanent marks failures that retrying cannot fix.
	ClassPermanent Class = "permanent"
)

// E captures structured error information produced across the Courier stack.
type E struct {
	Op          string
	Code        Code
	HTTP        int
	Destination string
	Message     string
	RetryAfter  time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		HTTP:        0,
		Destination: "",
		Message:     "",
		RetryAfter:  0,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithDestination records the destination table the delivery targeted.
func WithDestination(destination string) Option {
	trimmed := strings.TrimSpace(destination)
	return func(e *E) {
		e.Destination = trimmed
	}
}

// WithRetryAfter captures a server-provided cooldown hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Destination != "" {
		parts = append(parts, "destination="+e.Destination)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Classify reports how the retry path should treat err. Errors that do not
// carry an envelope are treated as transient so a wrapping layer cannot
// silently disable retries.
func Classify(err error) Class {
	var envelope *E
	if !errors.As(err, &envelope) {
		return ClassTransient
	}
	switch envelope.Code {
	case CodeRateLimited:
		return ClassRateLimited
	case CodeInvalid, CodePermanent, CodeDisabled:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// IsRateLimited reports whether err carries the rate-limited code.
func IsRateLimited(err error) bool {
	return Classify(err) == ClassRateLimited
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// RetryAfter extracts a server-provided cooldown hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var envelope *E
	if !errors.As(err, &envelope) {
		return 0, false
	}
	if envelope.RetryAfter <= 0 {
		return 0, false
	}
	return envelope.RetryAfter, true
}
