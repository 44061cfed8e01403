// Package sinktest provides a scripted in-memory sink for pipeline tests.
package sinktest

import (
	"context"
	"sync"

	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink"
)

// Call captures one Insert invocation.
type Call struct {
	Destination string
	Records     []record.Record
}

// Sink records every Insert and replays scripted outcomes. Scripted errors
// are consumed first, in FIFO order; once the script is exhausted the sink
// returns the standing outcome set by FailWith or Succeed.
type Sink struct {
	mu       sync.Mutex
	calls    []Call
	script   []error
	standing error
	closed   bool
}

var _ sink.Sink = (*Sink)(nil)

// New constructs a sink that accepts every batch.
func New() *Sink {
	s := new(Sink)
	s.calls = make([]Call, 0)
	return s
}

// Insert records the call and returns the next scripted outcome.
func (s *Sink) Insert(_ context.Context, destination string, records []record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Destination: destination,
		Records:     record.CloneAll(records),
	})
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		return next
	}
	return s.standing
}

// Close marks the sink closed.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailWith makes every future unscripted call fail with err.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standing = err
}

// Succeed clears the standing failure.
func (s *Sink) Succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standing = nil
}

// FailNTimes scripts the next n calls to fail with err.
func (s *Sink) FailNTimes(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.script = append(s.script, err)
	}
}

// Script appends explicit per-call outcomes, nil meaning success.
func (s *Sink) Script(outcomes ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

// Calls returns a copy of every recorded Insert.
func (s *Sink) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Call, len(s.calls))
	copy(copied, s.calls)
	return copied
}

// CallCount returns how many Inserts the sink has seen.
func (s *Sink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Closed reports whether Close was invoked.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
