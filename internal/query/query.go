package query

import (
	"encoding/json"
	"sync"
	"time"
)

// State is the lifecycle state of a query.
type State string

const (
	StateAccepted   State = "accepted"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state is one of the three terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ResponseTool is optional metadata naming the tool whose invocation by
// the agent implicitly completes the query, with the arguments logged as
// the canonical response.
type ResponseTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Spec is the creation body posted by the frontend and forwarded verbatim
// to the agent.
type Spec struct {
	UUID          string            `json:"uuid"`
	Prompt        string            `json:"prompt"`
	Context       []json.RawMessage `json:"context,omitempty"`
	Tools         []string          `json:"tools,omitempty"`
	ResponseTool  *ResponseTool     `json:"responseTool,omitempty"`
	RestrictTools bool              `json:"restrictTools,omitempty"`
}

// ToolCallRecord is one audited tool invocation made under the query's
// scope.
type ToolCallRecord struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Query is one live (or recently terminal) agent query.
type Query struct {
	UUID            string
	OriginSessionID string
	Spec            Spec
	CreatedAt       time.Time

	mu         sync.Mutex
	state      State
	log        []ToolCallRecord
	terminalAt time.Time
}

// State returns the current lifecycle state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Log returns a snapshot of the audited tool calls in invocation order.
func (q *Query) Log() []ToolCallRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ToolCallRecord, len(q.log))
	copy(out, q.log)
	return out
}

// Allowlist returns the set of tool names the agent may call under this
// query's scope, or nil when all of the origin session's tools are
// allowed. The list is restricting only when restrictTools is set.
func (q *Query) Allowlist() map[string]struct{} {
	if !q.Spec.RestrictTools || len(q.Spec.Tools) == 0 {
		return nil
	}
	allow := make(map[string]struct{}, len(q.Spec.Tools)+1)
	for _, name := range q.Spec.Tools {
		allow[name] = struct{}{}
	}
	// The response tool is always callable, it is the query's own
	// completion channel.
	if q.Spec.ResponseTool != nil {
		allow[q.Spec.ResponseTool.Name] = struct{}{}
	}
	return allow
}

// markStarted performs the implicit Accepted→InProgress transition.
// Returns false when the query is already terminal.
func (q *Query) markStarted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Terminal() {
		return false
	}
	q.state = StateInProgress
	return true
}

// markTerminal performs a one-shot terminal transition. Returns false when
// the query already reached a terminal state.
func (q *Query) markTerminal(to State) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Terminal() {
		return false
	}
	q.state = to
	q.terminalAt = time.Now()
	return true
}

func (q *Query) appendLog(rec ToolCallRecord) {
	q.mu.Lock()
	q.log = append(q.log, rec)
	q.mu.Unlock()
}

// prunable reports whether the query has been terminal for at least the
// retention window.
func (q *Query) prunable(retention time.Duration, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Terminal() && now.Sub(q.terminalAt) >= retention
}
