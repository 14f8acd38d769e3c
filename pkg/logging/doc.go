// Package logging provides a structured logging system for uibridge with
// unified log handling and level filtering.
//
// This package is a thin wrapper over Go's standard slog package. Every log
// entry carries a subsystem identifier so that output from the bridge's
// concurrent flows (frontend links, MCP sessions, queries) can be filtered
// and correlated.
//
// # Usage
//
//	import "uibridge/pkg/logging"
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//
//	logging.Info("Bridge", "Session %s attached", id)
//	logging.Debug("Frontend", "Dropping unknown frame type %q", t)
//	logging.Error("Query", err, "Failed to forward query %s to agent", uuid)
//
// # Subsystem Organization
//
//   - **Bootstrap**: application initialization and startup
//   - **Config**: configuration loading and validation
//   - **Bridge**: session registry and pending-call bookkeeping
//   - **Frontend**: websocket links to frontends
//   - **MCP**: the MCP request handler and SSE fan-out
//   - **Query**: query lifecycle and agent forwarding
//
// # Thread Safety
//
// All logging functions are safe for concurrent use; slog handlers
// serialize writes internally.
package logging
