package mcpserver

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"uibridge/internal/bridge"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// jsonrpcRequest is the inbound JSON-RPC envelope. The id is kept raw so
// string and numeric ids round-trip unchanged.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request is a JSON-RPC notification
// (no id, no response expected).
func (r *jsonrpcRequest) notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// jsonrpcNotification is the outbound server-to-client notification
// emitted on SSE streams.
type jsonrpcNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

func successResponse(id json.RawMessage, result any) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// bridgeErrorResponse converts a coded bridge error into a JSON-RPC error
// response. The stable bridge code travels in error.data.code next to any
// structured detail (available_tools, available_sessions).
func bridgeErrorResponse(id json.RawMessage, err *bridge.Error) jsonrpcResponse {
	data := map[string]any{"code": string(err.Code)}
	for k, v := range err.Data {
		data[k] = v
	}
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonrpcError{
			Code:    rpcCodeFor(err.Code),
			Message: err.Message,
			Data:    data,
		},
	}
}

func protocolErrorResponse(id json.RawMessage, code int, message string) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: message},
	}
}

// rpcCodeFor maps stable bridge codes onto JSON-RPC error codes.
func rpcCodeFor(code bridge.ErrorCode) int {
	switch code {
	case bridge.ErrMissingAuthentication, bridge.ErrInvalidAuthentication:
		return codeInvalidRequest
	case bridge.ErrInternal, bridge.ErrTimeout, bridge.ErrSessionGone:
		return codeInternalError
	default:
		// Scope, routing and query errors are parameter problems from the
		// JSON-RPC point of view.
		return codeInvalidParams
	}
}

// requestMeta is the optional _meta parameter carried by MCP requests.
// timeoutMs overrides the default round-trip deadline, clamped to the
// bridge call-timeout bounds.
type requestMeta struct {
	QueryID   string `json:"queryId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// toolDescriptor is the wire form of one tool in tools/list. Schemas pass
// through in raw JSON-Schema form.
type toolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Meta         json.RawMessage `json:"_meta,omitempty"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
	Meta  map[string]any   `json:"_meta,omitempty"`
}

type listResourcesResult struct {
	Resources []bridge.ResourceEntry `json:"resources"`
	Meta      map[string]any         `json:"_meta,omitempty"`
}

type listPromptsResult struct {
	Prompts []bridge.PromptEntry `json:"prompts"`
	Meta    map[string]any       `json:"_meta,omitempty"`
}

// callToolResult is the wire form of a tools/call result. Content entries
// are raw so frontend-produced MCP content passes through byte-faithfully.
type callToolResult struct {
	Meta              map[string]any    `json:"_meta,omitempty"`
	Content           []json.RawMessage `json:"content"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError,omitempty"`
}

// emptyObjectSchema is substituted when a tool registered without an
// input schema; MCP requires inputSchema to be present.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

func textContentJSON(text string) json.RawMessage {
	data, _ := json.Marshal(mcp.TextContent{Type: "text", Text: text})
	return data
}

func toolDescriptorFor(entry bridge.ToolEntry) toolDescriptor {
	desc := toolDescriptor{
		Name:         entry.Name,
		Description:  entry.Description,
		InputSchema:  entry.InputSchema,
		OutputSchema: entry.OutputSchema,
		Meta:         entry.Meta,
	}
	if len(desc.InputSchema) == 0 {
		desc.InputSchema = emptyObjectSchema
	}
	return desc
}

// shapeToolResult converts a raw frontend tool response into the
// canonical MCP content form.
//
// Shaping rules, in order:
//   - a response that already carries a content array passes through
//     unchanged (canonical form), with top-level _meta and
//     structuredContent preserved;
//   - a response with a top-level data field is rendered as a single
//     text content holding the data (string kept verbatim, anything else
//     re-encoded as JSON) for compatibility with the legacy wrapper;
//   - any other JSON value becomes one text content holding its bytes,
//     with objects additionally exposed as structuredContent.
func shapeToolResult(raw json.RawMessage) callToolResult {
	if len(raw) == 0 {
		return callToolResult{Content: []json.RawMessage{}}
	}

	var envelope struct {
		Content           []json.RawMessage `json:"content"`
		StructuredContent json.RawMessage   `json:"structuredContent"`
		IsError           bool              `json:"isError"`
		Meta              map[string]any    `json:"_meta"`
		Data              json.RawMessage   `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Content != nil {
			return callToolResult{
				Meta:              envelope.Meta,
				Content:           envelope.Content,
				StructuredContent: envelope.StructuredContent,
				IsError:           envelope.IsError,
			}
		}
		if len(envelope.Data) > 0 {
			var s string
			text := string(envelope.Data)
			if err := json.Unmarshal(envelope.Data, &s); err == nil {
				text = s
			}
			return callToolResult{
				Meta:    envelope.Meta,
				Content: []json.RawMessage{textContentJSON(text)},
			}
		}
	}

	result := callToolResult{Content: []json.RawMessage{textContentJSON(string(raw))}}
	var probe any
	if err := json.Unmarshal(raw, &probe); err == nil {
		if _, isObject := probe.(map[string]any); isObject {
			result.StructuredContent = raw
		}
	}
	return result
}

type readResourceResult struct {
	Contents []json.RawMessage `json:"contents"`
}

// shapeResourceResult converts a raw frontend resource response into the
// MCP contents form. A response already carrying a contents array passes
// through; a bare string becomes one text content; anything else is
// serialized as JSON text.
func shapeResourceResult(uri, mimeType string, raw json.RawMessage) readResourceResult {
	var envelope struct {
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Contents != nil {
		return readResourceResult{Contents: envelope.Contents}
	}

	text := string(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = s
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}
	content, _ := json.Marshal(map[string]string{
		"uri":      uri,
		"mimeType": mimeType,
		"text":     text,
	})
	return readResourceResult{Contents: []json.RawMessage{content}}
}

type getPromptResult struct {
	Description string            `json:"description,omitempty"`
	Messages    []json.RawMessage `json:"messages"`
}

// shapePromptResult converts a raw frontend prompt response into the MCP
// messages form. A response already carrying a messages array passes
// through; a bare string becomes one user text message.
func shapePromptResult(description string, raw json.RawMessage) getPromptResult {
	var envelope struct {
		Description string            `json:"description"`
		Messages    []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Messages != nil {
		if envelope.Description != "" {
			description = envelope.Description
		}
		return getPromptResult{Description: description, Messages: envelope.Messages}
	}

	text := string(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = s
	}
	message, _ := json.Marshal(map[string]any{
		"role":    "user",
		"content": mcp.TextContent{Type: "text", Text: text},
	})
	return getPromptResult{Description: description, Messages: []json.RawMessage{message}}
}
