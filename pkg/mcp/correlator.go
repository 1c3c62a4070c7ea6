package mcp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TimeoutError is returned when a request's deadline elapses before a
// matching response arrives.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s", e.Method, e.After)
}

// pendingResult is what a waiting caller receives: a response or a failure
// injected by the correlator (server stopped, connection lost).
type pendingResult struct {
	resp JSONRPCResponse
	err  error
}

type pendingRequest struct {
	serverID string
	ch       chan pendingResult
}

// Correlator allocates request identifiers from a single strictly increasing
// counter shared across every server a host owns, and matches responses to
// in-flight requests by identifier. Because identifiers never collide across
// servers, one pending table serves all of them.
//
// An entry is always removed from the table before its outcome is applied,
// so a response and a timeout can never both resolve the same caller.
type Correlator struct {
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]pendingRequest
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]pendingRequest)}
}

// Register allocates the next request identifier and records a pending entry
// owned by serverID. The returned channel receives exactly one result if the
// entry is resolved or failed; callers that give up must call Remove first.
func (c *Correlator) Register(serverID string) (int64, <-chan pendingResult) {
	id := c.nextID.Add(1)
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	c.pending[id] = pendingRequest{serverID: serverID, ch: ch}
	c.mu.Unlock()

	return id, ch
}

// Resolve delivers a response to the caller waiting on its identifier.
// Returns false if no entry matches (late or unsolicited response), in which
// case the response is dropped without effect.
func (c *Correlator) Resolve(resp JSONRPCResponse) bool {
	c.mu.Lock()
	pr, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	pr.ch <- pendingResult{resp: resp}
	return true
}

// Remove discards a pending entry without delivering anything. Returns false
// if the entry was already resolved; the caller should then drain its channel.
func (c *Correlator) Remove(id int64) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return ok
}

// FailServer fails every pending request owned by serverID with err. Used
// when a server's process exits or is stopped so in-flight callers do not
// wait for their full timeout.
func (c *Correlator) FailServer(serverID string, err error) {
	c.mu.Lock()
	var failed []pendingRequest
	for id, pr := range c.pending {
		if pr.serverID == serverID {
			delete(c.pending, id)
			failed = append(failed, pr)
		}
	}
	c.mu.Unlock()

	for _, pr := range failed {
		pr.ch <- pendingResult{err: err}
	}
}

// PendingCount reports the number of in-flight requests, across all servers.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
