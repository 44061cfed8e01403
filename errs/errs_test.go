package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesDestinationAndCause(t *testing.T) {
	err := New(
		"httpsink.insert",
		CodeUnavailable,
		WithHTTP(503),
		WithDestination("usage_events"),
		WithMessage("ingest endpoint returned 503"),
		WithCause(errors.New("service warming up")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=httpsink.insert") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=unavailable") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "destination=usage_events") {
		t.Fatalf("expected destination in error string: %s", out)
	}
	if !strings.Contains(out, "http=503") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"service warming up\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limited", New("sink", CodeRateLimited), ClassRateLimited},
		{"network", New("sink", CodeNetwork), ClassTransient},
		{"unavailable", New("sink", CodeUnavailable), ClassTransient},
		{"invalid", New("sink", CodeInvalid), ClassPermanent},
		{"permanent", New("sink", CodePermanent), ClassPermanent},
		{"disabled", New("sink", CodeDisabled), ClassPermanent},
		{"internal", New("sink", CodeInternal), ClassTransient},
		{"plain error", errors.New("boom"), ClassTransient},
		{"wrapped envelope", fmt.Errorf("send: %w", New("sink", CodeRateLimited)), ClassRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := New("httpsink.insert", CodeRateLimited, WithRetryAfter(7*time.Second))
	d, ok := RetryAfter(fmt.Errorf("send: %w", err))
	if !ok || d != 7*time.Second {
		t.Fatalf("expected retry-after hint of 7s, got %v ok=%v", d, ok)
	}
	if _, ok := RetryAfter(errors.New("boom")); ok {
		t.Fatalf("plain errors must not carry a retry-after hint")
	}
	if !strings.Contains(err.Error(), "retry_after=7s") {
		t.Fatalf("expected retry_after marker in error string: %s", err.Error())
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("wssink.insert", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if IsRateLimited(err) {
		t.Fatalf("network errors must not classify as rate limited")
	}
	if !IsTransient(err) {
		t.Fatalf("network errors must classify as transient")
	}
}
