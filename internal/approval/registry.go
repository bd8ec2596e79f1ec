// Package approval correlates permission prompts from the agent's
// pre-tool-use hook with human decisions arriving over HTTP.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
)

// Waiter is the blocking side of a registered approval request. The hook
// handler holds it while waiting for a decision.
type Waiter struct {
	ID string
	ch chan bool
}

// Registry tracks open approval requests. Each request is resolved at most
// once; timeout and cancellation resolve through the same path as an
// explicit decision, so a late /respond call is a harmless no-op.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*entry
	timeout time.Duration
	logger  *logger.Logger
}

type entry struct {
	request events.ApprovalRequest
	waiter  *Waiter
}

// NewRegistry creates a registry whose Await gives up after timeout.
func NewRegistry(timeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		pending: make(map[string]*entry),
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "approval-registry")),
	}
}

// Register adds a request and returns the waiter for it. Registering an id
// that is already pending replaces the stale entry, denying its waiter.
func (r *Registry) Register(req events.ApprovalRequest) *Waiter {
	w := &Waiter{ID: req.ID, ch: make(chan bool, 1)}

	r.mu.Lock()
	if old, ok := r.pending[req.ID]; ok {
		old.waiter.ch <- false
	}
	r.pending[req.ID] = &entry{request: req, waiter: w}
	r.mu.Unlock()

	r.logger.Info("Approval registered",
		zap.String("approval_id", req.ID),
		zap.String("tool", req.Tool))
	return w
}

// Resolve delivers a decision. Returns false when the id is unknown or was
// already resolved.
func (r *Registry) Resolve(id string, approved bool) bool {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("No pending approval for id", zap.String("approval_id", id))
		return false
	}

	e.waiter.ch <- approved
	r.logger.Info("Approval resolved",
		zap.String("approval_id", id),
		zap.Bool("approved", approved))
	return true
}

// ResolveAll force-resolves every open request with the given decision.
// Used on cancellation and shutdown to unblock waiting hooks. Returns the
// number of requests resolved.
func (r *Registry) ResolveAll(approved bool) int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.pending))
	for _, e := range r.pending {
		entries = append(entries, e)
	}
	r.pending = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.waiter.ch <- approved
	}
	if len(entries) > 0 {
		r.logger.Info("Force-resolved open approvals",
			zap.Int("count", len(entries)),
			zap.Bool("approved", approved))
	}
	return len(entries)
}

// Await blocks until the waiter's request is resolved, the registry
// timeout elapses, or ctx is done. Timeout and context cancellation are
// denials; timedOut reports whether the denial came from the timer.
func (r *Registry) Await(ctx context.Context, w *Waiter) (approved bool, timedOut bool) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case approved = <-w.ch:
		return approved, false
	case <-timer.C:
		// Route the timeout through Resolve so a racing decision wins.
		if r.Resolve(w.ID, false) {
			<-w.ch
			return false, true
		}
		return <-w.ch, false
	case <-ctx.Done():
		if r.Resolve(w.ID, false) {
			<-w.ch
			return false, false
		}
		return <-w.ch, false
	}
}

// Pending returns a snapshot of open requests, oldest first.
func (r *Registry) Pending() []events.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]events.ApprovalRequest, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, e.request)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}
