package live

import "sync"

// Gate queues outbound work against "the current connection, once
// ready". Work submitted before the connection is ready is deferred and
// flushed in submission order when Ready is called. If the connection
// never opens (Abort), deferred work is dropped silently. After Abort,
// new submissions are no-ops.
type Gate struct {
	mu        sync.Mutex
	transport Transport
	aborted   bool
	queue     []func(Transport)
}

// NewGate returns a gate with no connection yet.
func NewGate() *Gate {
	return &Gate{}
}

// Do runs fn against the current transport, or defers it until the gate
// becomes ready. fn must not block indefinitely; it runs on the caller's
// goroutine once the gate is ready, or on the Ready caller's goroutine
// for deferred work.
func (g *Gate) Do(fn func(Transport)) {
	g.mu.Lock()
	if g.aborted {
		g.mu.Unlock()
		return
	}
	if g.transport == nil {
		g.queue = append(g.queue, fn)
		g.mu.Unlock()
		return
	}
	t := g.transport
	g.mu.Unlock()

	fn(t)
}

// Ready binds the gate to an open transport and flushes deferred work in
// submission order.
func (g *Gate) Ready(t Transport) {
	g.mu.Lock()
	if g.aborted || g.transport != nil {
		g.mu.Unlock()
		return
	}
	g.transport = t
	queue := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, fn := range queue {
		fn(t)
	}
}

// Abort drops any deferred work and turns future submissions into
// no-ops. Called when the session ends before the connection opened, or
// at teardown.
func (g *Gate) Abort() {
	g.mu.Lock()
	g.aborted = true
	g.transport = nil
	g.queue = nil
	g.mu.Unlock()
}

// Pending reports how many submissions are deferred. Intended for tests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
