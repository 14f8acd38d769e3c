package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uibridge/internal/bridge"
)

// frameRecorder is a bridge.Sender that records every frame sent to the
// frontend.
type frameRecorder struct {
	mu     sync.Mutex
	frames []EventFrame
}

func (f *frameRecorder) Send(frame any) error {
	ev, ok := frame.(EventFrame)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.frames = append(f.frames, ev)
	f.mu.Unlock()
	return nil
}

func (f *frameRecorder) Close(int, string) {}

func (f *frameRecorder) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, ev := range f.frames {
		out[i] = ev.Type
	}
	return out
}

func (f *frameRecorder) waitFor(t *testing.T, frameType string) EventFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, ev := range f.frames {
			if ev.Type == frameType {
				f.mu.Unlock()
				return ev
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s frame, got %v", frameType, f.types())
	return EventFrame{}
}

func newEngineWithOrigin(t *testing.T, agentURL string) (*Engine, *frameRecorder) {
	t.Helper()
	registry := bridge.NewRegistry()
	rec := &frameRecorder{}
	s := bridge.NewSession("origin", "", "https://example.test", "Example", "tok", rec)
	_, err := registry.Attach(s)
	require.NoError(t, err)

	e := NewEngine(registry, NewAgentClient(agentURL), time.Minute)
	t.Cleanup(e.Stop)
	return e, rec
}

func TestEngine_HappyPathWithAgent(t *testing.T) {
	var received Spec
	var mu sync.Mutex
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer agent.Close()

	e, rec := newEngineWithOrigin(t, agent.URL)

	spec := Spec{UUID: "q1", Prompt: "what is shown?", Tools: []string{"greet"}}
	q, err := e.Create("origin", spec)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, q.State())

	// The accepted query is echoed to the frontend immediately.
	echo := rec.waitFor(t, "query")
	require.NotNil(t, echo.Query)
	assert.Equal(t, "q1", echo.Query.UUID)

	// Progress moves the query to InProgress and relays the message.
	require.NoError(t, e.Progress("q1", "thinking"))
	assert.Equal(t, StateInProgress, q.State())
	assert.Equal(t, "thinking", rec.waitFor(t, "query-progress").Message)

	e.RecordToolCall("q1", ToolCallRecord{
		Tool:      "greet",
		Arguments: json.RawMessage(`{"name":"World"}`),
		Result:    json.RawMessage(`{"message":"Hello, World"}`),
	})

	require.NoError(t, e.Complete("q1", "done"))
	done := rec.waitFor(t, "query-complete")
	require.Len(t, done.ToolCallLog, 1)
	assert.Equal(t, "greet", done.ToolCallLog[0].Tool)

	// Forwarding to the agent is asynchronous; wait for the PUT to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		uuid := received.UUID
		mu.Unlock()
		if uuid != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, "q1", received.UUID)
	mu.Unlock()
}

func TestEngine_TerminalTransitionsAreOneShot(t *testing.T) {
	e, _ := newEngineWithOrigin(t, "")

	_, err := e.Create("origin", Spec{UUID: "q1", Prompt: "p"})
	require.NoError(t, err)

	// No agent configured: the forward goroutine fails the query. Race
	// with it deliberately; exactly one terminal transition wins.
	_ = e.Cancel("q1", "user abort")

	q, ok := e.Get("q1")
	require.True(t, ok)
	require.True(t, q.State().Terminal())

	err = e.Complete("q1", "late")
	require.Error(t, err)
	assert.Equal(t, bridge.ErrQueryCompleted, bridge.CodeOf(err))

	err = e.Progress("q1", "late progress")
	require.Error(t, err)
	assert.Equal(t, bridge.ErrQueryCompleted, bridge.CodeOf(err))
}

func TestEngine_CancelRejectsFurtherResolve(t *testing.T) {
	e, rec := newEngineWithOrigin(t, "")

	_, err := e.Create("origin", Spec{UUID: "q1", Prompt: "p"})
	require.NoError(t, err)

	if err := e.Cancel("q1", "user abort"); err != nil {
		// The no-agent failure may have won the race; either way the
		// query is terminal.
		assert.Equal(t, bridge.ErrQueryCompleted, bridge.CodeOf(err))
	} else {
		assert.Equal(t, "user abort", rec.waitFor(t, "query-cancel").Reason)
	}

	_, rerr := e.Resolve("q1")
	require.NotNil(t, rerr)
	assert.Equal(t, bridge.ErrQueryCompleted, rerr.Code)
}

func TestEngine_ResolveUnknown(t *testing.T) {
	e, _ := newEngineWithOrigin(t, "")

	_, err := e.Resolve("missing")
	require.NotNil(t, err)
	assert.Equal(t, bridge.ErrQueryNotFound, err.Code)
}

func TestEngine_DuplicateCreateRejected(t *testing.T) {
	e, _ := newEngineWithOrigin(t, "")

	_, err := e.Create("origin", Spec{UUID: "q1", Prompt: "p"})
	require.NoError(t, err)

	_, err = e.Create("origin", Spec{UUID: "q1", Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, bridge.ErrQueryCompleted, bridge.CodeOf(err))
}

func TestEngine_AgentFailureFailsQuery(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer agent.Close()

	e, rec := newEngineWithOrigin(t, agent.URL)

	_, err := e.Create("origin", Spec{UUID: "q1", Prompt: "p"})
	require.NoError(t, err)

	failure := rec.waitFor(t, "query-failure")
	assert.Contains(t, failure.Error, "503")
}

func TestEngine_CancelBySession(t *testing.T) {
	e, rec := newEngineWithOrigin(t, "")

	_, err := e.Create("origin", Spec{UUID: "q1", Prompt: "p"})
	require.NoError(t, err)

	e.CancelBySession("origin")

	q, ok := e.Get("q1")
	require.True(t, ok)
	assert.True(t, q.State().Terminal())
	_ = rec // relay best-effort; origin may already be detached in practice
}

func TestQuery_Allowlist(t *testing.T) {
	t.Run("nil when not restricting", func(t *testing.T) {
		q := &Query{Spec: Spec{Tools: []string{"a"}}}
		assert.Nil(t, q.Allowlist())
	})

	t.Run("nil when restricting with empty list", func(t *testing.T) {
		q := &Query{Spec: Spec{RestrictTools: true}}
		assert.Nil(t, q.Allowlist())
	})

	t.Run("restricted list includes response tool", func(t *testing.T) {
		q := &Query{Spec: Spec{
			RestrictTools: true,
			Tools:         []string{"a", "b"},
			ResponseTool:  &ResponseTool{Name: "submit_answer"},
		}}
		allow := q.Allowlist()
		require.NotNil(t, allow)
		assert.Contains(t, allow, "a")
		assert.Contains(t, allow, "b")
		assert.Contains(t, allow, "submit_answer")
		assert.NotContains(t, allow, "c")
	})
}

func TestQuery_Prunable(t *testing.T) {
	q := &Query{UUID: "q1", state: StateAccepted}
	now := time.Now()

	assert.False(t, q.prunable(time.Minute, now), "non-terminal queries are never pruned")

	require.True(t, q.markTerminal(StateCompleted))
	assert.False(t, q.prunable(time.Minute, now))
	assert.True(t, q.prunable(time.Minute, now.Add(2*time.Minute)))
}
