package mcpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"uibridge/internal/bridge"
	"uibridge/internal/frontend"
	"uibridge/internal/query"
	"uibridge/pkg/logging"
)

// protocolVersion is the MCP protocol revision the bridge speaks.
const protocolVersion = "2025-03-26"

// sessionHeader carries the consumer MCP session id on every request
// after initialize.
const sessionHeader = "Mcp-Session-Id"

const maxRequestBody = 4 << 20 // 4 MiB

// Handler serves the consumer-facing MCP endpoint: POST for JSON-RPC,
// GET for the SSE notification stream, DELETE for session teardown.
type Handler struct {
	registry *bridge.Registry
	pending  *bridge.PendingCalls
	queries  *query.Engine
	store    *SessionStore
	resolver *Resolver

	callTimeout time.Duration
	name        string
	version     string
}

// NewHandler wires the MCP endpoint over the bridge core. callTimeout is
// the default deadline for frontend round-trips when a request carries
// no _meta.timeoutMs (zero falls back to bridge.DefaultCallTimeout);
// name and version are reported in the initialize result.
func NewHandler(registry *bridge.Registry, pending *bridge.PendingCalls, queries *query.Engine, store *SessionStore, callTimeout time.Duration, name, version string) *Handler {
	return &Handler{
		registry:    registry,
		pending:     pending,
		queries:     queries,
		store:       store,
		resolver:    NewResolver(registry, queries),
		callTimeout: callTimeout,
		name:        name,
		version:     version,
	}
}

// timeoutFor picks the round-trip deadline: a per-request
// _meta.timeoutMs wins over the configured default. Clamping happens in
// the pending-call table.
func (h *Handler) timeoutFor(meta requestMeta) time.Duration {
	if meta.TimeoutMS > 0 {
		return time.Duration(meta.TimeoutMS) * time.Millisecond
	}
	return h.callTimeout
}

// Store exposes the consumer session store for lifecycle wiring.
func (h *Handler) Store() *SessionStore {
	return h.store
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeResponse(w, http.StatusBadRequest, protocolErrorResponse(nil, codeParseError, "failed to read request body"))
		return
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, http.StatusBadRequest, protocolErrorResponse(nil, codeParseError, "invalid JSON-RPC request"))
		return
	}

	// Client-to-server notifications carry no id and get no body.
	if req.notification() && strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := h.dispatch(w, r, &req)
	writeResponse(w, http.StatusOK, resp)
}

// dispatch executes one JSON-RPC request. A panic in a method handler is
// converted into an internal error response.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, req *jsonrpcRequest) (resp jsonrpcResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("MCP", nil, "Panic handling %s: %v", req.Method, rec)
			resp = protocolErrorResponse(req.ID, codeInternalError, "internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		return h.initialize(w, r, req)
	case "ping":
		return successResponse(req.ID, map[string]any{})
	case "tools/list":
		return h.listTools(r, req)
	case "tools/call":
		return h.callTool(r, req)
	case "resources/list":
		return h.listResources(r, req)
	case "resources/read":
		return h.readResource(r, req)
	case "prompts/list":
		return h.listPrompts(r, req)
	case "prompts/get":
		return h.getPrompt(r, req)
	default:
		return protocolErrorResponse(req.ID, codeMethodNotFound, "unknown method "+req.Method)
	}
}

// credentials resolves the effective bearer and _meta for a request,
// falling back to the identity bound at initialize when the request
// itself carries none.
func (h *Handler) credentials(r *http.Request, meta requestMeta) (string, requestMeta) {
	bearer := bearerToken(r)
	if bearer != "" || meta.QueryID != "" {
		return bearer, meta
	}
	if id := r.Header.Get(sessionHeader); id != "" {
		if s, ok := h.store.Get(id); ok {
			meta.QueryID = s.BoundQueryID
			return s.BoundToken, meta
		}
	}
	return "", meta
}

func (h *Handler) resolveScope(r *http.Request, meta requestMeta) (*Scope, *bridge.Error) {
	bearer, meta := h.credentials(r, meta)
	return h.resolver.Resolve(bearer, meta)
}

// initialize mints a consumer MCP session bound to the presented
// credentials and announces it via the Mcp-Session-Id response header.
func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	var params struct {
		Meta requestMeta `json:"_meta"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocolErrorResponse(req.ID, codeInvalidParams, "invalid initialize params")
		}
	}

	bearer := bearerToken(r)
	queryID := params.Meta.QueryID
	if bearer == "" && queryID == "" {
		return bridgeErrorResponse(req.ID, bridge.NewError(bridge.ErrMissingAuthentication,
			"initialize requires a bearer token or a live queryId"))
	}
	if queryID != "" && bearer == "" {
		// Bind only to a resolvable query; the session then follows the
		// query's lifetime.
		if _, err := h.queries.Resolve(queryID); err != nil {
			return bridgeErrorResponse(req.ID, err)
		}
	}

	s := h.store.Create(bearer, queryID)
	w.Header().Set(sessionHeader, s.ID)

	logging.Info("MCP", "Consumer session %s initialized", s.ID)
	return successResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    h.name,
			"version": h.version,
		},
	})
}

type listParams struct {
	Meta requestMeta `json:"_meta"`
}

func decodeListParams(raw json.RawMessage) listParams {
	var params listParams
	if len(raw) > 0 {
		json.Unmarshal(raw, &params)
	}
	return params
}

// listTools returns the merged tool listing of every session in scope,
// with the synthetic list_sessions tool first. Duplicate names across
// sessions collapse to the oldest session's entry; with more than one
// candidate the result carries the roster in _meta so consumers know a
// sessionId pick will be needed for calls.
func (h *Handler) listTools(r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	params := decodeListParams(req.Params)
	scope, err := h.resolveScope(r, params.Meta)
	if err != nil {
		return bridgeErrorResponse(req.ID, err)
	}

	result := listToolsResult{Tools: []toolDescriptor{listSessionsDescriptor}}
	seen := map[string]bool{listSessionsToolName: true}
	for _, s := range scope.Candidates {
		for _, entry := range s.Tools() {
			if seen[entry.Name] || !scope.Allowed(entry.Name) {
				continue
			}
			seen[entry.Name] = true
			result.Tools = append(result.Tools, toolDescriptorFor(entry))
		}
	}
	if len(scope.Candidates) > 1 {
		// Flag the merged view: single-target calls will need a
		// _meta.sessionId pick.
		result.Meta = map[string]any{
			"isError":            true,
			"available_sessions": sessionSummaries(scope.Candidates),
		}
	}
	return successResponse(req.ID, result)
}

func (h *Handler) listResources(r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	params := decodeListParams(req.Params)
	scope, err := h.resolveScope(r, params.Meta)
	if err != nil {
		return bridgeErrorResponse(req.ID, err)
	}

	result := listResourcesResult{Resources: []bridge.ResourceEntry{}}
	seen := map[string]bool{}
	for _, s := range scope.Candidates {
		for _, entry := range s.Resources() {
			if seen[entry.URI] {
				continue
			}
			seen[entry.URI] = true
			result.Resources = append(result.Resources, entry)
		}
	}
	if len(scope.Candidates) > 1 {
		result.Meta = map[string]any{"available_sessions": sessionSummaries(scope.Candidates)}
	}
	return successResponse(req.ID, result)
}

func (h *Handler) listPrompts(r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	params := decodeListParams(req.Params)
	scope, err := h.resolveScope(r, params.Meta)
	if err != nil {
		return bridgeErrorResponse(req.ID, err)
	}

	result := listPromptsResult{Prompts: []bridge.PromptEntry{}}
	seen := map[string]bool{}
	for _, s := range scope.Candidates {
		for _, entry := range s.Prompts() {
			if seen[entry.Name] {
				continue
			}
			seen[entry.Name] = true
			result.Prompts = append(result.Prompts, entry)
		}
	}
	if len(scope.Candidates) > 1 {
		result.Meta = map[string]any{"available_sessions": sessionSummaries(scope.Candidates)}
	}
	return successResponse(req.ID, result)
}

// callTool routes a tools/call to the owning frontend session and blocks
// for the response.
//
// Frontend-reported tool failures come back as isError results per MCP
// convention; transport failures (timeout, session gone) become JSON-RPC
// errors so consumers can tell "the tool said no" from "the call never
// completed".
func (h *Handler) callTool(r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Meta      requestMeta     `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return protocolErrorResponse(req.ID, codeInvalidParams, "tools/call requires a tool name")
	}

	scope, berr := h.resolveScope(r, params.Meta)
	if berr != nil {
		return bridgeErrorResponse(req.ID, berr)
	}

	if params.Name == listSessionsToolName {
		result, berr := callListSessions(scope)
		if berr != nil {
			return bridgeErrorResponse(req.ID, berr)
		}
		return successResponse(req.ID, result)
	}

	if !scope.Allowed(params.Name) {
		return bridgeErrorResponse(req.ID, bridge.NewError(bridge.ErrToolNotAllowed,
			"tool %q is not in the query's allowlist", params.Name))
	}

	session, berr := scope.Single(params.Meta.SessionID)
	if berr != nil {
		return bridgeErrorResponse(req.ID, berr)
	}
	if _, ok := session.Tool(params.Name); !ok {
		return bridgeErrorResponse(req.ID, bridge.NewError(bridge.ErrToolNotFound,
			"session %s has no tool %q", session.ID, params.Name).
			WithData("available_tools", session.ToolNames()))
	}

	call := h.pending.Create(session.ID, bridge.CallToolInvoke, h.timeoutFor(params.Meta))
	if err := session.Send(frontend.ToolCallFrame{
		Type:      "tool-call",
		RequestID: call.RequestID,
		Name:      params.Name,
		Arguments: params.Arguments,
	}); err != nil {
		h.pending.Complete(session.ID, call.RequestID, bridge.Outcome{})
		return bridgeErrorResponse(req.ID, asBridgeError(err))
	}

	out := call.Await(r.Context())
	h.audit(scope, params.Name, params.Arguments, out)

	if out.Err != nil {
		// The frontend handler answering with an error is a tool-level
		// failure, not a transport one.
		if out.Err.Code == bridge.ErrInternal {
			return successResponse(req.ID, callToolResult{
				Content: []json.RawMessage{textContentJSON(out.Err.Message)},
				IsError: true,
			})
		}
		return bridgeErrorResponse(req.ID, out.Err)
	}

	h.maybeCompleteQuery(scope, params.Name, params.Arguments)
	return successResponse(req.ID, shapeToolResult(out.Result))
}

// audit records the call in the query's tool-call log for query-scoped
// requests.
func (h *Handler) audit(scope *Scope, tool string, args json.RawMessage, out bridge.Outcome) {
	if scope.Kind != ScopeQueryScoped || scope.Query == nil {
		return
	}
	rec := query.ToolCallRecord{Tool: tool, Arguments: args, Result: out.Result}
	if out.Err != nil {
		detail, _ := json.Marshal(map[string]string{"error": out.Err.Message})
		rec.Result = detail
	}
	h.queries.RecordToolCall(scope.Query.UUID, rec)
}

// maybeCompleteQuery performs the implicit completion when a query-scoped
// call hits the query's designated response tool. The call's arguments
// are the canonical response and become the query-complete message.
func (h *Handler) maybeCompleteQuery(scope *Scope, tool string, args json.RawMessage) {
	if scope.Kind != ScopeQueryScoped || scope.Query == nil {
		return
	}
	rt := scope.Query.Spec.ResponseTool
	if rt == nil || rt.Name != tool {
		return
	}
	if err := h.queries.Complete(scope.Query.UUID, string(args)); err != nil {
		logging.Debug("MCP", "Response tool on query %s: %v", scope.Query.UUID, err)
	}
}

func (h *Handler) readResource(r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	var params struct {
		URI  string      `json:"uri"`
		Meta requestMeta `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return protocolErrorResponse(req.ID, codeInvalidParams, "resources/read requires a uri")
	}

	scope, berr := h.resolveScope(r, params.Meta)
	if berr != nil {
		return bridgeErrorResponse(req.ID, berr)
	}

	session, entry, berr := findResource(scope, params.Meta.SessionID, params.URI)
	if berr != nil {
		return bridgeErrorResponse(req.ID, berr)
	}

	call := h.pending.Create(session.ID, bridge.CallResourceRead, h.timeoutFor(params.Meta))
	if err := session.Send(frontend.ResourceReadFrame{
		Type:      "resource-read",
		RequestID: call.RequestID,
		URI:       params.URI,
	}); err != nil {
		h.pending.Complete(session.ID, call.RequestID, bridge.Outcome{})
		return bridgeErrorResponse(req.ID, asBridgeError(err))
	}

	out := call.Await(r.Context())
	if out.Err != nil {
		return bridgeErrorResponse(req.ID, out.Err)
	}
	return successResponse(req.ID, shapeResourceResult(params.URI, entry.MIMEType, out.Result))
}

func (h *Handler) getPrompt(r *http.Request, req *jsonrpcRequest) jsonrpcResponse {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
		Meta      requestMeta       `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return protocolErrorResponse(req.ID, codeInvalidParams, "prompts/get requires a prompt name")
	}

	scope, berr := h.resolveScope(r, params.Meta)
	if berr != nil {
		return bridgeErrorResponse(req.ID, berr)
	}

	session, entry, berr := findPrompt(scope, params.Meta.SessionID, params.Name)
	if berr != nil {
		return bridgeErrorResponse(req.ID, berr)
	}

	call := h.pending.Create(session.ID, bridge.CallPromptGet, h.timeoutFor(params.Meta))
	if err := session.Send(frontend.PromptGetFrame{
		Type:      "prompt-get",
		RequestID: call.RequestID,
		Name:      params.Name,
		Arguments: params.Arguments,
	}); err != nil {
		h.pending.Complete(session.ID, call.RequestID, bridge.Outcome{})
		return bridgeErrorResponse(req.ID, asBridgeError(err))
	}

	out := call.Await(r.Context())
	if out.Err != nil {
		return bridgeErrorResponse(req.ID, out.Err)
	}
	return successResponse(req.ID, shapePromptResult(entry.Description, out.Result))
}

// findResource locates the session in scope owning the URI. An explicit
// sessionId pick narrows the search; otherwise the oldest owner wins.
func findResource(scope *Scope, sessionID, uri string) (*bridge.Session, bridge.ResourceEntry, *bridge.Error) {
	if sessionID != "" {
		s, err := scope.Single(sessionID)
		if err != nil {
			return nil, bridge.ResourceEntry{}, err
		}
		entry, ok := s.Resource(uri)
		if !ok {
			return nil, bridge.ResourceEntry{}, bridge.NewError(bridge.ErrResourceNotFound,
				"session %s has no resource %q", s.ID, uri)
		}
		return s, entry, nil
	}
	for _, s := range scope.Candidates {
		if entry, ok := s.Resource(uri); ok {
			return s, entry, nil
		}
	}
	return nil, bridge.ResourceEntry{}, bridge.NewError(bridge.ErrResourceNotFound,
		"no session in scope has resource %q", uri)
}

// findPrompt locates the session in scope owning the prompt.
func findPrompt(scope *Scope, sessionID, name string) (*bridge.Session, bridge.PromptEntry, *bridge.Error) {
	if sessionID != "" {
		s, err := scope.Single(sessionID)
		if err != nil {
			return nil, bridge.PromptEntry{}, err
		}
		entry, ok := s.Prompt(name)
		if !ok {
			return nil, bridge.PromptEntry{}, bridge.NewError(bridge.ErrPromptNotFound,
				"session %s has no prompt %q", s.ID, name)
		}
		return s, entry, nil
	}
	for _, s := range scope.Candidates {
		if entry, ok := s.Prompt(name); ok {
			return s, entry, nil
		}
	}
	return nil, bridge.PromptEntry{}, bridge.NewError(bridge.ErrPromptNotFound,
		"no session in scope has prompt %q", name)
}

// handleStream attaches the SSE notification stream to an initialized
// consumer session. The session lives as long as its stream: once the
// stream ends, the session is destroyed and the consumer must
// initialize again.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "GET requires Accept: text/event-stream", http.StatusNotAcceptable)
		return
	}
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "missing "+sessionHeader+" header", http.StatusBadRequest)
		return
	}
	s, ok := h.store.Get(id)
	if !ok {
		http.Error(w, "unknown MCP session", http.StatusNotFound)
		return
	}
	if err := s.ServeStream(w, r); err != nil {
		if errors.Is(err, errStreamActive) {
			http.Error(w, "session already has an event stream", http.StatusConflict)
			return
		}
		logging.Debug("MCP", "Event stream for %s ended: %v", id, err)
	}
	h.store.Delete(id)
}

// handleDelete tears down a consumer session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "missing "+sessionHeader+" header", http.StatusBadRequest)
		return
	}
	if !h.store.Delete(id) {
		http.Error(w, "unknown MCP session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func asBridgeError(err error) *bridge.Error {
	if be, ok := err.(*bridge.Error); ok {
		return be
	}
	return bridge.NewError(bridge.ErrInternal, "%v", err)
}

func writeResponse(w http.ResponseWriter, status int, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Debug("MCP", "Failed to write response: %v", err)
	}
}
