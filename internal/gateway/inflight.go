package gateway

import (
	"context"
	"sync"
)

// inFlightCall tracks one in-flight cache-fill for a fingerprint. The
// first caller becomes the resolver and performs the provider call; all
// later callers for the same fingerprint wait on done instead of issuing
// duplicate calls.
type inFlightCall struct {
	done   chan struct{}
	result *Result
	err    error

	mu      sync.Mutex
	waiters int
	settled bool
	cancel  context.CancelFunc
}

// leave detaches one waiter. When the last waiter leaves before the call
// settles, the resolver's context is canceled so the provider call is
// abandoned.
func (c *inFlightCall) leave() {
	c.mu.Lock()
	c.waiters--
	cancel := c.cancel
	abandon := c.waiters == 0 && !c.settled
	c.mu.Unlock()

	if abandon && cancel != nil {
		cancel()
	}
}

// bind attaches the resolver's cancel function once it exists.
func (c *inFlightCall) bind(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// settle publishes the outcome and wakes all waiters.
func (c *inFlightCall) settle(result *Result, err error) {
	c.mu.Lock()
	c.settled = true
	c.mu.Unlock()

	c.result = result
	c.err = err
	close(c.done)
}

// inFlightRegistry coalesces concurrent misses per fingerprint so each
// distinct request has at most one provider call in flight.
type inFlightRegistry struct {
	mu    sync.Mutex
	calls map[string]*inFlightCall
}

func newInFlightRegistry() *inFlightRegistry {
	return &inFlightRegistry{
		calls: make(map[string]*inFlightCall),
	}
}

// join registers interest in the fingerprint. It returns the call and
// whether the caller is the resolver responsible for performing the
// fetch and settling the call.
func (r *inFlightRegistry) join(fp string) (*inFlightCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.calls[fp]; ok {
		c.mu.Lock()
		c.waiters++
		c.mu.Unlock()
		return c, false
	}

	c := &inFlightCall{
		done:    make(chan struct{}),
		waiters: 1,
	}
	r.calls[fp] = c
	return c, true
}

// remove drops the fingerprint's registry entry. Called by the resolver
// before settling so new requests start a fresh call instead of joining
// a finished one.
func (r *inFlightRegistry) remove(fp string) {
	r.mu.Lock()
	delete(r.calls, fp)
	r.mu.Unlock()
}

// size returns the number of in-flight calls.
func (r *inFlightRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
