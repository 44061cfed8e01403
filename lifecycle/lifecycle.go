// Package lifecycle coordinates shutdown notification between a host
// application and the delivery pipeline. The pipeline never installs
// process-wide handlers on its own; hosts decide whether to hand it a
// notifier at all.
package lifecycle

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
)

// Notifier delivers a one-shot shutdown notification to registered hooks.
type Notifier interface {
	Register(hook func())
}

// SignalNotifier fires registered hooks once its context ends, which covers
// SIGINT, SIGTERM, and cancellation of the parent context.
type SignalNotifier struct {
	ctx  context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	fired bool
	hooks []func()
}

// Signals installs SIGINT/SIGTERM handling on top of parent and returns a
// notifier whose Context ends on the first signal.
func Signals(parent context.Context) *SignalNotifier {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	n := new(SignalNotifier)
	n.ctx = ctx
	n.stop = stop
	go n.watch()
	return n
}

// Context ends when a shutdown signal arrives or the parent is cancelled.
func (n *SignalNotifier) Context() context.Context {
	return n.ctx
}

// Register adds a hook invoked once at shutdown, in registration order.
// Registering after shutdown runs the hook immediately.
func (n *SignalNotifier) Register(hook func()) {
	if hook == nil {
		return
	}
	n.mu.Lock()
	if n.fired {
		n.mu.Unlock()
		hook()
		return
	}
	n.hooks = append(n.hooks, hook)
	n.mu.Unlock()
}

// Close releases the signal handlers. Hooks that have not fired yet fire now.
func (n *SignalNotifier) Close() {
	n.stop()
	n.fire()
}

func (n *SignalNotifier) watch() {
	<-n.ctx.Done()
	n.fire()
}

func (n *SignalNotifier) fire() {
	n.mu.Lock()
	if n.fired {
		n.mu.Unlock()
		return
	}
	n.fired = true
	hooks := n.hooks
	n.hooks = nil
	n.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Manual is a notifier driven by the caller, useful in tests and in hosts
// with their own shutdown sequencing.
type Manual struct {
	mu    sync.Mutex
	fired bool
	hooks []func()
}

// NewManual returns an unfired manual notifier.
func NewManual() *Manual {
	return new(Manual)
}

// Register adds a hook; it runs on Fire, or immediately when already fired.
func (m *Manual) Register(hook func()) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		hook()
		return
	}
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Fire runs every registered hook once, in registration order. Subsequent
// calls are no-ops.
func (m *Manual) Fire() {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Registered reports how many hooks are waiting to fire.
func (m *Manual) Registered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}
