package frontend

import (
	"encoding/json"

	"uibridge/internal/bridge"
)

// Inbound frame type discriminators.
const (
	frameRegisterTool       = "register-tool"
	frameUnregisterTool     = "unregister-tool"
	frameRegisterResource   = "register-resource"
	frameUnregisterResource = "unregister-resource"
	frameRegisterPrompt     = "register-prompt"
	frameUnregisterPrompt   = "unregister-prompt"
	frameToolResponse       = "tool-response"
	frameResourceResponse   = "resource-response"
	framePromptResponse     = "prompt-response"
	frameQueryCancel        = "query-cancel"
)

// inboundFrame is the union of all frames a frontend may send. Fields are
// interpreted per the Type discriminator; unused fields are ignored.
type inboundFrame struct {
	Type string `json:"type"`

	// Capability registration.
	Name         string                  `json:"name,omitempty"`
	Description  string                  `json:"description,omitempty"`
	InputSchema  json.RawMessage         `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage         `json:"outputSchema,omitempty"`
	Meta         json.RawMessage         `json:"_meta,omitempty"`
	URI          string                  `json:"uri,omitempty"`
	MIMEType     string                  `json:"mimeType,omitempty"`
	Arguments    []bridge.PromptArgument `json:"arguments,omitempty"`

	// Call responses.
	RequestID string          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Query cancellation.
	QueryID string `json:"queryId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ServerInfoFrame is the first frame written on every accepted channel.
type ServerInfoFrame struct {
	Type         string          `json:"type"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Capabilities map[string]bool `json:"capabilities"`
}

// ErrorFrame reports a coded error to the frontend, e.g. a rejected tool
// registration.
type ErrorFrame struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ToolCallFrame forwards a tools/call to the owning frontend.
type ToolCallFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ResourceReadFrame forwards a resources/read to the owning frontend.
type ResourceReadFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	URI       string `json:"uri"`
}

// PromptGetFrame forwards a prompts/get to the owning frontend.
type PromptGetFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func errorFrame(err *bridge.Error) ErrorFrame {
	return ErrorFrame{
		Type:    "error",
		Code:    string(err.Code),
		Message: err.Message,
		Data:    err.Data,
	}
}
