package mcpserver

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"uibridge/internal/bridge"
)

// listSessionsToolName is the bridge-synthesized tool that reports the
// frontend sessions visible in the caller's scope. It exists so a
// consumer facing a SessionNotSpecified error can discover ids without
// leaving the tools/call surface.
const listSessionsToolName = "list_sessions"

var listSessionsDescriptor = toolDescriptor{
	Name:        listSessionsToolName,
	Description: "List the connected frontend sessions visible to this client, with their ids, names and registered tools.",
	InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
}

// callListSessions produces the roster for the resolved scope.
func callListSessions(scope *Scope) (*mcp.CallToolResult, *bridge.Error) {
	roster := struct {
		Sessions []sessionSummary `json:"sessions"`
	}{Sessions: sessionSummaries(scope.Candidates)}

	data, err := json.MarshalIndent(roster, "", "  ")
	if err != nil {
		return nil, bridge.NewError(bridge.ErrInternal, "failed to encode session roster: %v", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
