package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is one outstanding request. done has capacity one so the
// resolver never blocks, even if the waiter already gave up.
type pendingCall struct {
	id        int64
	method    string
	submitted time.Time
	deadline  time.Time
	done      chan callResult
}

// pendingTable correlates responses with requests by id. Ids are allocated
// from a counter that only grows, so an id is never reissued while a call
// holding it is outstanding.
type pendingTable struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*pendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// register allocates an id and records the call. It fails once the table has
// been torn down.
func (t *pendingTable) register(method string, timeout time.Duration) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}

	t.nextID++
	now := time.Now()
	call := &pendingCall{
		id:        t.nextID,
		method:    method,
		submitted: now,
		deadline:  now.Add(timeout),
		done:      make(chan callResult, 1),
	}
	t.calls[call.id] = call
	return call, nil
}

// resolve delivers a result and removes the call. It returns false when the
// id is not outstanding, which is the case for late responses.
func (t *pendingTable) resolve(id int64, res callResult) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()

	if ok {
		call.done <- res
	}
	return ok
}

func (t *pendingTable) abandon(id int64) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// failAll resolves every outstanding call with err and rejects new ones.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	calls := t.calls
	t.calls = make(map[int64]*pendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		call.done <- callResult{err: err}
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// await blocks until the call resolves, its deadline passes or ctx ends. In
// the last two cases the call is abandoned so a late response is dropped.
func (t *pendingTable) await(ctx context.Context, call *pendingCall) (json.RawMessage, error) {
	timer := time.NewTimer(time.Until(call.deadline))
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-timer.C:
		t.abandon(call.id)
		return nil, fmt.Errorf("%w: no response to %s within %s", ErrTimeout, call.method, call.deadline.Sub(call.submitted))
	case <-ctx.Done():
		t.abandon(call.id)
		return nil, ctx.Err()
	}
}
