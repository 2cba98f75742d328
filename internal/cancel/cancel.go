// Package cancel implements the per-session cancellation channel and the
// guard function the session runtime consults before every model call and
// every tool call.
//
// Modeled as a bounded single-slot mailbox with non-blocking try-send and
// try-receive; the guard is a pure function with no thread-local state.
package cancel

import "sync"

// Signal is the sole value ever carried on a cancellation channel.
type Signal struct{}

// Channel is a single-producer (in practice, two producers: the /cancel
// endpoint and an urgent-preemption /chat request), single-consumer
// mailbox holding at most one pending CANCEL.
type Channel struct {
	mu      sync.Mutex
	pending bool
}

// New returns an empty channel.
func New() *Channel {
	return &Channel{}
}

// Post is the non-blocking try-send: it marks CANCEL pending. Posting
// twice before it is consumed is idempotent — the mailbox holds at most
// one signal.
func (c *Channel) Post() {
	c.mu.Lock()
	c.pending = true
	c.mu.Unlock()
}

// TryConsume is the non-blocking try-receive: if a CANCEL is pending it is
// drained and true is returned, otherwise false. Calling TryConsume is
// itself the act of draining — a second call immediately after returns
// false until Post is called again.
func (c *Channel) TryConsume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		c.pending = false
		return true
	}
	return false
}

// Guard is the pure interposition function: called synchronously before
// each model invocation and before each tool invocation. On observing a
// pending CANCEL it drains the channel and returns true, meaning the
// caller must raise agent.ErrCancelled.
func Guard(ch *Channel) bool {
	if ch == nil {
		return false
	}
	return ch.TryConsume()
}
