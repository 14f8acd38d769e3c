package query

import (
	"context"
	"sync"
	"time"

	"uibridge/internal/bridge"
	"uibridge/pkg/logging"
)

// DefaultRetention is how long a terminal query stays resolvable (as
// QueryCompleted) before it is pruned and late agent retries see
// QueryNotFound.
const DefaultRetention = 5 * time.Minute

const pruneInterval = 30 * time.Second

// Frame type discriminators for query events relayed to the originating
// frontend.
const (
	frameQuery    = "query"
	frameProgress = "query-progress"
	frameComplete = "query-complete"
	frameFailure  = "query-failure"
	frameCancel   = "query-cancel"
)

// EventFrame is a query lifecycle event as delivered to the originating
// frontend over its channel.
type EventFrame struct {
	Type        string           `json:"type"`
	QueryID     string           `json:"queryId"`
	Message     string           `json:"message,omitempty"`
	Error       string           `json:"error,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	ToolCallLog []ToolCallRecord `json:"toolCallLog,omitempty"`
	Query       *Spec            `json:"query,omitempty"`
}

// Engine owns all live queries. It normalizes lifecycle events from the
// agent's HTTP callbacks, from implicit responseTool completion, and from
// frontend-side cancellation into a single stream relayed to the
// originating frontend.
type Engine struct {
	registry  *bridge.Registry
	agent     *AgentClient
	retention time.Duration

	mu      sync.Mutex
	queries map[string]*Query

	stopOnce sync.Once
	stop     chan struct{}
}

// NewEngine creates the query engine and starts its retention pruner.
// A nil agent client makes every created query fail immediately.
func NewEngine(registry *bridge.Registry, agent *AgentClient, retention time.Duration) *Engine {
	if retention <= 0 {
		retention = DefaultRetention
	}
	e := &Engine{
		registry:  registry,
		agent:     agent,
		retention: retention,
		queries:   make(map[string]*Query),
		stop:      make(chan struct{}),
	}
	go e.prune()
	return e
}

// Stop terminates the retention pruner.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Create stores a new query in Accepted state, echoes it to the
// originating frontend, and forwards it to the agent asynchronously. A
// forwarding failure marks the query Failed and notifies the frontend.
func (e *Engine) Create(originSessionID string, spec Spec) (*Query, error) {
	if spec.UUID == "" {
		return nil, bridge.NewError(bridge.ErrQueryNotFound, "query uuid is required")
	}

	q := &Query{
		UUID:            spec.UUID,
		OriginSessionID: originSessionID,
		Spec:            spec,
		CreatedAt:       time.Now(),
		state:           StateAccepted,
	}

	e.mu.Lock()
	if _, exists := e.queries[spec.UUID]; exists {
		e.mu.Unlock()
		return nil, bridge.NewError(bridge.ErrQueryCompleted, "query %s already exists", spec.UUID)
	}
	e.queries[spec.UUID] = q
	e.mu.Unlock()

	logging.Info("Query", "Query %s created by session %s", q.UUID, originSessionID)

	// Echo the accepted query to the frontend so it can track and cancel.
	e.relay(q, EventFrame{Type: frameQuery, QueryID: q.UUID, Query: &q.Spec})

	go e.forward(q)
	return q, nil
}

// forward delivers the query to the agent service.
func (e *Engine) forward(q *Query) {
	if e.agent == nil {
		logging.Warn("Query", "No agent configured, failing query %s", q.UUID)
		if err := e.Fail(q.UUID, "no agent configured"); err != nil {
			logging.Debug("Query", "Query %s already terminal: %v", q.UUID, err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), agentForwardTimeout)
	defer cancel()

	if err := e.agent.ForwardQuery(ctx, q.Spec); err != nil {
		logging.Error("Query", err, "Failed to forward query %s to agent", q.UUID)
		if failErr := e.Fail(q.UUID, err.Error()); failErr != nil {
			logging.Debug("Query", "Query %s already terminal: %v", q.UUID, failErr)
		}
		return
	}
	logging.Debug("Query", "Query %s forwarded to agent", q.UUID)
}

// Get looks up a query by uuid.
func (e *Engine) Get(uuid string) (*Query, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[uuid]
	return q, ok
}

// Resolve returns the query iff it exists and has not reached a terminal
// state. It is the authentication step for query-scoped MCP requests.
func (e *Engine) Resolve(uuid string) (*Query, *bridge.Error) {
	q, ok := e.Get(uuid)
	if !ok {
		return nil, bridge.NewError(bridge.ErrQueryNotFound, "unknown query %s", uuid)
	}
	if q.State().Terminal() {
		return nil, bridge.NewError(bridge.ErrQueryCompleted, "query %s is %s", uuid, q.State())
	}
	return q, nil
}

// Progress records a non-terminal progress notice from the agent. The
// first progress implicitly moves Accepted to InProgress.
func (e *Engine) Progress(uuid, message string) error {
	q, err := e.Resolve(uuid)
	if err != nil {
		return err
	}
	if !q.markStarted() {
		return bridge.NewError(bridge.ErrQueryCompleted, "query %s is %s", uuid, q.State())
	}
	e.relay(q, EventFrame{Type: frameProgress, QueryID: uuid, Message: message})
	return nil
}

// RecordToolCall appends an audited tool invocation to the query log and
// performs the implicit Accepted→InProgress transition.
func (e *Engine) RecordToolCall(uuid string, rec ToolCallRecord) {
	q, ok := e.Get(uuid)
	if !ok {
		return
	}
	q.markStarted()
	q.appendLog(rec)
}

// Complete marks the query Completed. The event delivered to the frontend
// carries the full tool-call log. A second terminal attempt fails with
// QueryCompleted.
func (e *Engine) Complete(uuid, message string) error {
	return e.terminal(uuid, StateCompleted, func(q *Query) EventFrame {
		return EventFrame{Type: frameComplete, QueryID: uuid, Message: message, ToolCallLog: q.Log()}
	})
}

// Fail marks the query Failed.
func (e *Engine) Fail(uuid, errMsg string) error {
	return e.terminal(uuid, StateFailed, func(q *Query) EventFrame {
		return EventFrame{Type: frameFailure, QueryID: uuid, Error: errMsg}
	})
}

// Cancel marks the query Cancelled. Both the frontend's cancel signal and
// the agent's cancel callback land here; whichever arrives second gets
// QueryCompleted.
func (e *Engine) Cancel(uuid, reason string) error {
	return e.terminal(uuid, StateCancelled, func(q *Query) EventFrame {
		return EventFrame{Type: frameCancel, QueryID: uuid, Reason: reason}
	})
}

func (e *Engine) terminal(uuid string, to State, frame func(*Query) EventFrame) error {
	e.mu.Lock()
	q, ok := e.queries[uuid]
	e.mu.Unlock()
	if !ok {
		return bridge.NewError(bridge.ErrQueryNotFound, "unknown query %s", uuid)
	}
	if !q.markTerminal(to) {
		return bridge.NewError(bridge.ErrQueryCompleted, "query %s is %s", uuid, q.State())
	}
	logging.Info("Query", "Query %s -> %s", uuid, to)
	e.relay(q, frame(q))
	return nil
}

// relay delivers a query event frame to the originating frontend.
// Best-effort: a detached origin only logs.
func (e *Engine) relay(q *Query, frame EventFrame) {
	origin, ok := e.registry.Get(q.OriginSessionID)
	if !ok {
		logging.Debug("Query", "Origin session %s gone, dropping %s for query %s",
			q.OriginSessionID, frame.Type, q.UUID)
		return
	}
	if err := origin.Send(frame); err != nil {
		logging.Debug("Query", "Failed to relay %s for query %s: %v", frame.Type, q.UUID, err)
	}
}

// CancelBySession cancels every live query originated by the given
// session. Called when the owning channel closes.
func (e *Engine) CancelBySession(sessionID string) {
	e.mu.Lock()
	var owned []*Query
	for _, q := range e.queries {
		if q.OriginSessionID == sessionID {
			owned = append(owned, q)
		}
	}
	e.mu.Unlock()

	for _, q := range owned {
		if err := e.Cancel(q.UUID, "origin session disconnected"); err == nil {
			logging.Debug("Query", "Cancelled query %s for detached session %s", q.UUID, sessionID)
		}
	}
}

func (e *Engine) prune() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			for uuid, q := range e.queries {
				if q.prunable(e.retention, now) {
					delete(e.queries, uuid)
					logging.Debug("Query", "Pruned terminal query %s", uuid)
				}
			}
			e.mu.Unlock()
		}
	}
}
