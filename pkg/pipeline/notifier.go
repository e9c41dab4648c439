package pipeline

import (
	"context"
	"sync"
)

// Notifier is a one-shot broadcast: the first Notify unblocks every current
// and future Wait call. Further Notify calls are no-ops.
//
// Used for the triage gates ("decision made", "IVR completed") where exactly
// one writer releases any number of waiting processors.
type Notifier struct {
	once sync.Once
	ch   chan struct{}
}

// NewNotifier creates an unfired Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Notify fires the notifier, releasing all waiters. Idempotent.
func (n *Notifier) Notify() {
	n.once.Do(func() { close(n.ch) })
}

// Fired reports whether Notify has been called.
func (n *Notifier) Fired() bool {
	select {
	case <-n.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the notifier fires or ctx is cancelled.
func (n *Notifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C returns a channel closed when the notifier fires, for use in select loops.
func (n *Notifier) C() <-chan struct{} { return n.ch }
