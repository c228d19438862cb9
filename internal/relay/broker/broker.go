// Package broker correlates execute_in_tab requests sent to an agent with the
// execute_in_tab_result frames that come back on its connection.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kandev/tabrelay/pkg/protocol"
)

var (
	ErrTimeout          = errors.New("execute_in_tab timed out")
	ErrDuplicateRequest = errors.New("requestId already in flight")
	ErrClosed           = errors.New("broker closed")
	ErrCancelled        = errors.New("request cancelled")
)

type outcome struct {
	result *protocol.ExecuteInTabResult
	err    error
}

type pendingRequest struct {
	requestID string
	ch        chan outcome
	timer     *time.Timer
}

// Broker holds the in-flight requests. Each request ends with exactly one
// outcome: a result, a timeout, a cancellation or a rejection, whichever
// removes it from the pending set first.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  error
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{pending: make(map[string]*pendingRequest)}
}

// Waiter is the caller's handle on a registered request.
type Waiter struct {
	b *Broker
	p *pendingRequest
}

// RequestID returns the correlated request id.
func (w *Waiter) RequestID() string {
	return w.p.requestID
}

// Register arms a pending entry for requestID with its timeout. Call it
// before sending the request so a fast result cannot be missed.
func (b *Broker) Register(requestID string, timeout time.Duration) (*Waiter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed != nil {
		return nil, b.closed
	}
	if _, exists := b.pending[requestID]; exists {
		return nil, ErrDuplicateRequest
	}

	p := &pendingRequest{
		requestID: requestID,
		ch:        make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		b.complete(p, outcome{err: ErrTimeout})
	})
	b.pending[requestID] = p
	return &Waiter{b: b, p: p}, nil
}

// Wait blocks until the request has an outcome or ctx is done. A cancelled
// ctx removes the entry; a result arriving afterwards is dropped.
func (w *Waiter) Wait(ctx context.Context) (*protocol.ExecuteInTabResult, error) {
	select {
	case out := <-w.p.ch:
		return out.result, out.err
	case <-ctx.Done():
		if w.b.complete(w.p, outcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// Lost the race; the winning outcome is already buffered.
		out := <-w.p.ch
		return out.result, out.err
	}
}

// Cancel withdraws the request, e.g. when sending it failed.
func (w *Waiter) Cancel() bool {
	return w.b.complete(w.p, outcome{err: ErrCancelled})
}

// AwaitResult registers requestID and waits for its outcome.
func (b *Broker) AwaitResult(ctx context.Context, requestID string, timeout time.Duration) (*protocol.ExecuteInTabResult, error) {
	w, err := b.Register(requestID, timeout)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx)
}

// SubmitResult completes the matching pending request. Results with no
// pending request (late, duplicate or unsolicited) are dropped and false is
// returned.
func (b *Broker) SubmitResult(res *protocol.ExecuteInTabResult) bool {
	if res == nil || res.RequestID == "" {
		return false
	}
	b.mu.Lock()
	p, ok := b.pending[res.RequestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.complete(p, outcome{result: res})
}

// Cancel withdraws requestID if it is still pending.
func (b *Broker) Cancel(requestID string) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.complete(p, outcome{err: ErrCancelled})
}

// RejectAll fails every pending request with err and returns how many there
// were.
func (b *Broker) RejectAll(err error) int {
	b.mu.Lock()
	all := make([]*pendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		all = append(all, p)
	}
	b.mu.Unlock()

	n := 0
	for _, p := range all {
		if b.complete(p, outcome{err: err}) {
			n++
		}
	}
	return n
}

// Close rejects everything pending with err and refuses new registrations.
func (b *Broker) Close(err error) int {
	if err == nil {
		err = ErrClosed
	}
	b.mu.Lock()
	b.closed = err
	b.mu.Unlock()
	return b.RejectAll(err)
}

// Pending returns the number of in-flight requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// complete removes p and delivers out. It returns false if p was already
// removed by another path.
func (b *Broker) complete(p *pendingRequest, out outcome) bool {
	b.mu.Lock()
	current, ok := b.pending[p.requestID]
	if !ok || current != p {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, p.requestID)
	b.mu.Unlock()

	p.timer.Stop()
	p.ch <- out
	return true
}
