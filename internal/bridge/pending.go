package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"uibridge/pkg/logging"
)

// CallKind identifies the kind of request forwarded to a frontend.
type CallKind string

const (
	CallToolInvoke   CallKind = "tool_call"
	CallResourceRead CallKind = "resource_read"
	CallPromptGet    CallKind = "prompt_get"
)

// Call timeout bounds. Callers may pick any deadline inside the clamp;
// zero means DefaultCallTimeout.
const (
	DefaultCallTimeout = 30 * time.Second
	MinCallTimeout     = 1 * time.Second
	MaxCallTimeout     = 5 * time.Minute

	sweepInterval = 1 * time.Second
)

// Outcome is the terminal result of a pending call: either a raw result
// payload from the frontend or a coded error.
type Outcome struct {
	Result json.RawMessage
	Err    *Error
}

// PendingCall correlates one outbound request to a frontend with its
// eventual response.
type PendingCall struct {
	RequestID string
	SessionID string
	Kind      CallKind
	Deadline  time.Time

	done chan Outcome
}

// Await blocks until the call completes, times out via the sweeper, or the
// context is cancelled.
func (c *PendingCall) Await(ctx context.Context) Outcome {
	select {
	case out := <-c.done:
		return out
	case <-ctx.Done():
		return Outcome{Err: NewError(ErrTimeout, "request %s cancelled: %v", c.RequestID, ctx.Err())}
	}
}

// PendingCalls is the table of in-flight requests to frontends. Request
// ids are assigned from a per-session monotonic counter so that ids are
// not correlatable across sessions. A background sweeper expires overdue
// entries with a Timeout error.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]*PendingCall // sessionID+"/"+requestID -> call
	seq   map[string]uint64       // per-session id counter

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPendingCalls creates the table and starts its deadline sweeper.
func NewPendingCalls() *PendingCalls {
	p := &PendingCalls{
		calls: make(map[string]*PendingCall),
		seq:   make(map[string]uint64),
		stop:  make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Stop terminates the deadline sweeper. In-flight calls are left to their
// callers' contexts.
func (p *PendingCalls) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Create registers a new pending call for the given session. The timeout
// is clamped to [MinCallTimeout, MaxCallTimeout]; zero selects the
// default.
func (p *PendingCalls) Create(sessionID string, kind CallKind, timeout time.Duration) *PendingCall {
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	if timeout < MinCallTimeout {
		timeout = MinCallTimeout
	}
	if timeout > MaxCallTimeout {
		timeout = MaxCallTimeout
	}

	p.mu.Lock()
	p.seq[sessionID]++
	call := &PendingCall{
		RequestID: fmt.Sprintf("r%d", p.seq[sessionID]),
		SessionID: sessionID,
		Kind:      kind,
		Deadline:  time.Now().Add(timeout),
		done:      make(chan Outcome, 1),
	}
	p.calls[callKey(sessionID, call.RequestID)] = call
	p.mu.Unlock()

	return call
}

// Complete resolves the pending call with the given request id, provided
// it belongs to the given session. Returns false when no live call
// matches, which includes responses arriving after a timeout; those are
// ignored by design.
func (p *PendingCalls) Complete(sessionID, requestID string, out Outcome) bool {
	p.mu.Lock()
	key := callKey(sessionID, requestID)
	call, ok := p.calls[key]
	if ok {
		delete(p.calls, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- out
	return true
}

// FailSession fails every pending call owned by the session with
// SessionGone. Called when the owning channel closes or is replaced by a
// reconnect.
func (p *PendingCalls) FailSession(sessionID string) {
	p.mu.Lock()
	var failed []*PendingCall
	for key, call := range p.calls {
		if call.SessionID == sessionID {
			delete(p.calls, key)
			failed = append(failed, call)
		}
	}
	delete(p.seq, sessionID)
	p.mu.Unlock()

	for _, call := range failed {
		call.done <- Outcome{Err: NewError(ErrSessionGone, "session %s detached", sessionID)}
	}
	if len(failed) > 0 {
		logging.Debug("Bridge", "Failed %d pending calls for detached session %s", len(failed), sessionID)
	}
}

// Len returns the number of in-flight calls.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *PendingCalls) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.expire(now)
		}
	}
}

func (p *PendingCalls) expire(now time.Time) {
	p.mu.Lock()
	var overdue []*PendingCall
	for key, call := range p.calls {
		if now.After(call.Deadline) {
			delete(p.calls, key)
			overdue = append(overdue, call)
		}
	}
	p.mu.Unlock()

	for _, call := range overdue {
		logging.Debug("Bridge", "Request %s to session %s timed out", call.RequestID, call.SessionID)
		call.done <- Outcome{Err: NewError(ErrTimeout, "request %s timed out", call.RequestID)}
	}
}

func callKey(sessionID, requestID string) string {
	return sessionID + "/" + requestID
}
