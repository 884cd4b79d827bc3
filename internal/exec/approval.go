// Package exec is the single entry point for tool invocation: validation,
// approval gating, routing to the local handler or the MCP connection
// manager, deadline enforcement and execution records.
package exec

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gcsruntime/gcs/internal/fault"
)

// ApprovalRequest is one pending approval decision.
type ApprovalRequest struct {
	ExecutionID string
	ToolName    string
	Params      map[string]any

	resp chan bool
}

// Decider resolves an approval request. Interactive frontends prompt the
// operator; tests install a canned decider.
type Decider func(ctx context.Context, req *ApprovalRequest) bool

// ApprovalQueue serialises approval decisions through a single cooperative
// worker. Callers block until their request resolves, the approval timeout
// fires, or their context is cancelled.
type ApprovalQueue struct {
	requests chan *ApprovalRequest
	timeout  time.Duration

	mu      sync.Mutex
	decider Decider
	stop    chan struct{}
	done    chan struct{}
}

// NewApprovalQueue creates a queue with the given approval timeout.
// The default decider denies everything; call SetDecider before Start.
func NewApprovalQueue(timeout time.Duration) *ApprovalQueue {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ApprovalQueue{
		requests: make(chan *ApprovalRequest, 16),
		timeout:  timeout,
		decider:  func(context.Context, *ApprovalRequest) bool { return false },
	}
}

// SetDecider installs the decision function.
func (q *ApprovalQueue) SetDecider(d Decider) {
	q.mu.Lock()
	q.decider = d
	q.mu.Unlock()
}

// Start launches the worker goroutine. Idempotent.
func (q *ApprovalQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		return
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.worker(q.stop, q.done)
}

// Stop shuts the worker down and waits for it. Pending requests are denied.
func (q *ApprovalQueue) Stop() {
	q.mu.Lock()
	stop, done := q.stop, q.done
	q.stop, q.done = nil, nil
	q.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (q *ApprovalQueue) worker(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			// Drain without blocking: everything still queued is denied.
			for {
				select {
				case req := <-q.requests:
					req.resp <- false
				default:
					return
				}
			}
		case req := <-q.requests:
			q.mu.Lock()
			decider := q.decider
			q.mu.Unlock()
			req.resp <- decider(context.Background(), req)
		}
	}
}

// Await submits a request and blocks until it resolves. Returns
// APPROVAL_DENIED, APPROVAL_TIMEOUT or CANCELLED on the failure paths.
func (q *ApprovalQueue) Await(ctx context.Context, req *ApprovalRequest) error {
	req.resp = make(chan bool, 1)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.requests <- req:
	case <-timer.C:
		return fault.New(fault.ApprovalTimeout, "approval queue full for %q", req.ToolName)
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, ctx.Err(), "approval wait")
	}

	select {
	case approved := <-req.resp:
		if !approved {
			log.Printf("[Exec] Approval denied for %s", req.ToolName)
			return fault.New(fault.ApprovalDenied, "tool %q was not approved", req.ToolName)
		}
		return nil
	case <-timer.C:
		return fault.New(fault.ApprovalTimeout, "approval for %q timed out after %v", req.ToolName, q.timeout)
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, ctx.Err(), "approval wait")
	}
}
