// Package mcpserver implements the consumer-facing MCP surface of the
// bridge: the JSON-RPC request handler, the per-consumer MCP session
// registry, the SSE notification fan-out, and the auth/scope resolver
// that decides which frontend sessions a request may address.
//
// One URL serves both consumer wire formats. POST carries JSON-RPC
// request/response (initialize mints an Mcp-Session-Id; the legacy stdio
// proxy uses the same POST surface without ever initializing), GET with
// Accept: text/event-stream opens the notification stream for an
// initialized session, and DELETE tears the session down.
//
// Authentication is per request: a bearer token resolves to the set of
// frontend sessions it owns, or a live queryId in _meta grants scoped
// access to the query's originating session. Multi-session bearers are a
// supported configuration, not an error; single-target operations demand
// a _meta.sessionId pick while list operations return the merged view
// with an available_sessions marker.
package mcpserver
