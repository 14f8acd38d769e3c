package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uibridge/internal/bridge"
	"uibridge/internal/frontend"
	"uibridge/internal/query"
)

type handlerFixture struct {
	server   *httptest.Server
	registry *bridge.Registry
	pending  *bridge.PendingCalls
	queries  *query.Engine
	store    *SessionStore
}

func setupHandler(t *testing.T) *handlerFixture {
	t.Helper()

	registry := bridge.NewRegistry()
	pending := bridge.NewPendingCalls()
	queries := query.NewEngine(registry, stubAgent(t), time.Minute)
	store := NewSessionStore()
	handler := NewHandler(registry, pending, queries, store, 0, "uibridge", "test")
	server := httptest.NewServer(handler)

	ctx, cancel := context.WithCancel(context.Background())
	go NewFanout(registry, store, queries).Run(ctx)

	t.Cleanup(func() {
		cancel()
		server.Close()
		store.CloseAll()
		pending.Stop()
		queries.Stop()
	})
	return &handlerFixture{
		server:   server,
		registry: registry,
		pending:  pending,
		queries:  queries,
		store:    store,
	}
}

// scriptedSender plays the frontend side of a call round-trip: any
// forwarded call is answered with the configured result or error. Query
// lifecycle frames relayed to the session are recorded.
type scriptedSender struct {
	pending   *bridge.PendingCalls
	sessionID string
	result    json.RawMessage
	errMsg    string
	silent    bool

	mu     sync.Mutex
	events []query.EventFrame
}

func (s *scriptedSender) queryEvent(typ string) (query.EventFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return query.EventFrame{}, false
}

func (s *scriptedSender) Send(frame any) error {
	if ev, ok := frame.(query.EventFrame); ok {
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
		return nil
	}
	if s.silent {
		return nil
	}
	var requestID string
	switch f := frame.(type) {
	case frontend.ToolCallFrame:
		requestID = f.RequestID
	case frontend.ResourceReadFrame:
		requestID = f.RequestID
	case frontend.PromptGetFrame:
		requestID = f.RequestID
	default:
		return nil
	}

	out := bridge.Outcome{Result: s.result}
	if s.errMsg != "" {
		out = bridge.Outcome{Err: bridge.NewError(bridge.ErrInternal, "%s", s.errMsg)}
	}
	go s.pending.Complete(s.sessionID, requestID, out)
	return nil
}

func (s *scriptedSender) Close(int, string) {}

func (f *handlerFixture) attach(t *testing.T, id, token string, sender *scriptedSender) *bridge.Session {
	t.Helper()
	if sender == nil {
		sender = &scriptedSender{silent: true}
	}
	sender.pending = f.pending
	sender.sessionID = id
	s := bridge.NewSession(id, "", "https://app.example", "Example", token, sender)
	_, err := f.registry.Attach(s)
	require.NoError(t, err)
	return s
}

func (f *handlerFixture) post(t *testing.T, headers map[string]string, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp.StatusCode, nil
	}
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func rpcResult(t *testing.T, decoded map[string]any) map[string]any {
	t.Helper()
	require.Nil(t, decoded["error"], "unexpected error: %v", decoded["error"])
	result, ok := decoded["result"].(map[string]any)
	require.True(t, ok, "missing result in %v", decoded)
	return result
}

func rpcErrorCode(t *testing.T, decoded map[string]any) string {
	t.Helper()
	rpcErr, ok := decoded["error"].(map[string]any)
	require.True(t, ok, "expected error in %v", decoded)
	data, ok := rpcErr["data"].(map[string]any)
	require.True(t, ok, "error without data: %v", rpcErr)
	code, _ := data["code"].(string)
	return code
}

func firstContentText(t *testing.T, result map[string]any) string {
	t.Helper()
	content, ok := result["content"].([]any)
	require.True(t, ok, "missing content in %v", result)
	require.NotEmpty(t, content)
	entry, ok := content[0].(map[string]any)
	require.True(t, ok)
	text, _ := entry["text"].(string)
	return text
}

func TestHandler_InitializeMintsSession(t *testing.T) {
	f := setupHandler(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL,
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-a")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	_, ok := f.store.Get(sessionID)
	assert.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	result := rpcResult(t, decoded)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])

	info, ok := result["serverInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "uibridge", info["name"])
}

func TestHandler_InitializeWithoutCredentials(t *testing.T) {
	f := setupHandler(t)

	_, decoded := f.post(t, nil, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, "MissingAuthentication", rpcErrorCode(t, decoded))
}

func TestHandler_NotificationAccepted(t *testing.T) {
	f := setupHandler(t)

	status, _ := f.post(t, nil, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestHandler_Ping(t *testing.T) {
	f := setupHandler(t)

	_, decoded := f.post(t, nil, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	require.Nil(t, decoded["error"])
	assert.Equal(t, float64(7), decoded["id"])
}

func TestHandler_UnknownMethod(t *testing.T) {
	f := setupHandler(t)

	_, decoded := f.post(t, nil, `{"jsonrpc":"2.0","id":1,"method":"no/such"}`)
	rpcErr, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeMethodNotFound), rpcErr["code"])
}

func TestHandler_ParseError(t *testing.T) {
	f := setupHandler(t)

	status, decoded := f.post(t, nil, `{broken`)
	assert.Equal(t, http.StatusBadRequest, status)
	rpcErr, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeParseError), rpcErr["code"])
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := setupHandler(t)

	req, err := http.NewRequest(http.MethodPut, f.server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandler_ToolsList(t *testing.T) {
	f := setupHandler(t)
	s := f.attach(t, "s1", "tok-a", nil)
	s.SetTool(bridge.ToolEntry{Name: "greet", Description: "Greets", InputSchema: json.RawMessage(`{"type":"object"}`)})

	_, decoded := f.post(t, authHeader("tok-a"), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	result := rpcResult(t, decoded)

	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 2)
	first, _ := tools[0].(map[string]any)
	assert.Equal(t, "list_sessions", first["name"])
	second, _ := tools[1].(map[string]any)
	assert.Equal(t, "greet", second["name"])
	assert.Nil(t, result["_meta"])
}

func TestHandler_ToolsListMultiSession(t *testing.T) {
	f := setupHandler(t)
	f.attach(t, "s1", "tok-a", nil).SetTool(bridge.ToolEntry{Name: "greet"})
	f.attach(t, "s2", "tok-a", nil).SetTool(bridge.ToolEntry{Name: "farewell"})

	_, decoded := f.post(t, authHeader("tok-a"), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	result := rpcResult(t, decoded)

	meta, ok := result["_meta"].(map[string]any)
	require.True(t, ok, "multi-session listing must carry _meta")
	assert.Equal(t, true, meta["isError"])
	roster, ok := meta["available_sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, roster, 2)
}

func TestHandler_CallToolRoundTrip(t *testing.T) {
	f := setupHandler(t)
	sender := &scriptedSender{result: json.RawMessage(`{"data":"hello from the page"}`)}
	s := f.attach(t, "s1", "tok-a", sender)
	s.SetTool(bridge.ToolEntry{Name: "greet"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet","arguments":{"who":"World"}}}`)
	result := rpcResult(t, decoded)
	assert.Equal(t, "hello from the page", firstContentText(t, result))
}

func TestHandler_CallToolAmbiguousThenPicked(t *testing.T) {
	f := setupHandler(t)
	sender := &scriptedSender{result: json.RawMessage(`{"data":"ok"}`)}
	f.attach(t, "s1", "tok-a", nil).SetTool(bridge.ToolEntry{Name: "greet"})
	f.attach(t, "s2", "tok-a", sender).SetTool(bridge.ToolEntry{Name: "greet"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet"}}`)
	assert.Equal(t, "SessionNotSpecified", rpcErrorCode(t, decoded))

	rpcErr, _ := decoded["error"].(map[string]any)
	data, _ := rpcErr["data"].(map[string]any)
	roster, ok := data["available_sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, roster, 2)

	_, decoded = f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","_meta":{"sessionId":"s2"}}}`)
	result := rpcResult(t, decoded)
	assert.Equal(t, "ok", firstContentText(t, result))
}

func TestHandler_CallToolNotFound(t *testing.T) {
	f := setupHandler(t)
	f.attach(t, "s1", "tok-a", nil).SetTool(bridge.ToolEntry{Name: "greet"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing"}}`)
	assert.Equal(t, "ToolNotFound", rpcErrorCode(t, decoded))

	rpcErr, _ := decoded["error"].(map[string]any)
	data, _ := rpcErr["data"].(map[string]any)
	assert.Equal(t, []any{"greet"}, data["available_tools"])
}

func TestHandler_CallListSessions(t *testing.T) {
	f := setupHandler(t)
	f.attach(t, "s1", "tok-a", nil).SetTool(bridge.ToolEntry{Name: "greet"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_sessions"}}`)
	result := rpcResult(t, decoded)
	text := firstContentText(t, result)
	assert.Contains(t, text, `"s1"`)
	assert.Contains(t, text, `"greet"`)
}

func TestHandler_CallToolFrontendError(t *testing.T) {
	f := setupHandler(t)
	sender := &scriptedSender{errMsg: "element not found"}
	s := f.attach(t, "s1", "tok-a", sender)
	s.SetTool(bridge.ToolEntry{Name: "click"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"click"}}`)
	result := rpcResult(t, decoded)
	assert.Equal(t, true, result["isError"])
	assert.Contains(t, firstContentText(t, result), "element not found")
}

func TestHandler_CallToolTimeout(t *testing.T) {
	f := setupHandler(t)
	s := f.attach(t, "s1", "tok-a", &scriptedSender{silent: true})
	s.SetTool(bridge.ToolEntry{Name: "slow"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow","_meta":{"timeoutMs":1000}}}`)
	assert.Equal(t, "Timeout", rpcErrorCode(t, decoded))
}

func TestHandler_QueryScopedCall(t *testing.T) {
	f := setupHandler(t)
	sender := &scriptedSender{result: json.RawMessage(`{"data":"done"}`)}
	s := f.attach(t, "s1", "tok-a", sender)
	s.SetTool(bridge.ToolEntry{Name: "greet"})
	s.SetTool(bridge.ToolEntry{Name: "respond"})
	s.SetTool(bridge.ToolEntry{Name: "forbidden"})

	_, err := f.queries.Create("s1", query.Spec{
		UUID:          "q1",
		Prompt:        "say hi",
		Tools:         []string{"greet"},
		RestrictTools: true,
		ResponseTool:  &query.ResponseTool{Name: "respond"},
	})
	require.NoError(t, err)

	// Allowlisted tool works without any bearer.
	_, decoded := f.post(t, nil,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet","_meta":{"queryId":"q1"}}}`)
	rpcResult(t, decoded)

	// Outside the allowlist is rejected.
	_, decoded = f.post(t, nil,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"forbidden","_meta":{"queryId":"q1"}}}`)
	assert.Equal(t, "ToolNotAllowed", rpcErrorCode(t, decoded))

	// The response tool implicitly completes the query.
	_, decoded = f.post(t, nil,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"respond","arguments":{"answer":42},"_meta":{"queryId":"q1"}}}`)
	rpcResult(t, decoded)

	q, ok := f.queries.Get("q1")
	require.True(t, ok)
	assert.Equal(t, query.StateCompleted, q.State())
	log := q.Log()
	require.Len(t, log, 2)
	assert.Equal(t, "greet", log[0].Tool)
	assert.Equal(t, "respond", log[1].Tool)

	// The response tool's arguments are the canonical response: they
	// become the completion message delivered to the origin.
	done, ok := sender.queryEvent("query-complete")
	require.True(t, ok, "origin never saw the completion event")
	assert.JSONEq(t, `{"answer":42}`, done.Message)

	// The completed query no longer grants access.
	_, decoded = f.post(t, nil,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"greet","_meta":{"queryId":"q1"}}}`)
	assert.Equal(t, "QueryCompleted", rpcErrorCode(t, decoded))
}

func TestHandler_SessionBoundCredentials(t *testing.T) {
	f := setupHandler(t)
	f.attach(t, "s1", "tok-a", nil).SetTool(bridge.ToolEntry{Name: "greet"})

	req, err := http.NewRequest(http.MethodPost, f.server.URL,
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-a")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	mcpSession := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, mcpSession)

	// Follow-up request without Authorization rides the bound token.
	_, decoded := f.post(t, map[string]string{"Mcp-Session-Id": mcpSession},
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := rpcResult(t, decoded)
	tools, _ := result["tools"].([]any)
	assert.Len(t, tools, 2)
}

func TestHandler_ResourceRead(t *testing.T) {
	f := setupHandler(t)
	sender := &scriptedSender{result: json.RawMessage(`"# Current Page"`)}
	s := f.attach(t, "s1", "tok-a", sender)
	s.SetResource(bridge.ResourceEntry{URI: "ui://page", MIMEType: "text/markdown"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"ui://page"}}`)
	result := rpcResult(t, decoded)

	contents, ok := result["contents"].([]any)
	require.True(t, ok)
	require.Len(t, contents, 1)
	entry, _ := contents[0].(map[string]any)
	assert.Equal(t, "ui://page", entry["uri"])
	assert.Equal(t, "text/markdown", entry["mimeType"])
	assert.Equal(t, "# Current Page", entry["text"])
}

func TestHandler_ResourceReadNotFound(t *testing.T) {
	f := setupHandler(t)
	f.attach(t, "s1", "tok-a", nil)

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"ui://missing"}}`)
	assert.Equal(t, "ResourceNotFound", rpcErrorCode(t, decoded))
}

func TestHandler_PromptGet(t *testing.T) {
	f := setupHandler(t)
	sender := &scriptedSender{result: json.RawMessage(`"summarize the current page"`)}
	s := f.attach(t, "s1", "tok-a", sender)
	s.SetPrompt(bridge.PromptEntry{Name: "summarize", Description: "Summarize the page"})

	_, decoded := f.post(t, authHeader("tok-a"),
		`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"summarize"}}`)
	result := rpcResult(t, decoded)

	assert.Equal(t, "Summarize the page", result["description"])
	messages, ok := result["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	msg, _ := messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
}

func TestHandler_DeleteSession(t *testing.T) {
	f := setupHandler(t)
	s := f.store.Create("tok-a", "")

	req, err := http.NewRequest(http.MethodDelete, f.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", s.ID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_ConfiguredCallTimeout(t *testing.T) {
	registry := bridge.NewRegistry()

	h := NewHandler(registry, nil, nil, NewSessionStore(), 45*time.Second, "uibridge", "test")
	assert.Equal(t, 45*time.Second, h.timeoutFor(requestMeta{}))

	// A per-request timeoutMs overrides the configured default.
	assert.Equal(t, 2*time.Second, h.timeoutFor(requestMeta{TimeoutMS: 2000}))

	// Zero defers to the pending-call table's default.
	h = NewHandler(registry, nil, nil, NewSessionStore(), 0, "uibridge", "test")
	assert.Equal(t, time.Duration(0), h.timeoutFor(requestMeta{}))
}

func TestHandler_StreamCloseDestroysSession(t *testing.T) {
	f := setupHandler(t)
	s := f.store.Create("tok-a", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", s.ID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.store.Get(s.ID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s still alive after its stream closed", s.ID)
}

func TestHandler_StreamRequiresEventStreamAccept(t *testing.T) {
	f := setupHandler(t)

	req, err := http.NewRequest(http.MethodGet, f.server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestHandler_StreamDeliversListChanged(t *testing.T) {
	f := setupHandler(t)
	mcpSession := f.store.Create("tok-a", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", mcpSession.ID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// A frontend attaching with the bound token must surface as
	// list_changed notifications on the stream.
	f.attach(t, "s1", "tok-a", nil)

	scanner := bufio.NewScanner(resp.Body)
	var methods []string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var note struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &note))
		methods = append(methods, note.Method)
		if len(methods) == 3 {
			break
		}
	}
	assert.Contains(t, methods, "notifications/tools/list_changed")
	assert.Contains(t, methods, "notifications/resources/list_changed")
	assert.Contains(t, methods, "notifications/prompts/list_changed")
}
