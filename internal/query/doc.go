// Package query implements the agent-query lifecycle: a frontend asks a
// remote language-model agent a question and temporarily grants the agent
// scoped access back into the frontend's tools.
//
// Each Query is a short-lived state machine
// (Accepted → InProgress → Completed|Failed|Cancelled) owned by the
// Engine. The Engine forwards new queries to the configured agent URL,
// normalizes progress and terminal notices arriving over three paths
// (agent HTTP callbacks, implicit completion via the query's responseTool,
// frontend-side cancel) into one event stream, and relays every event to
// the originating frontend over its channel.
//
// A query's id doubles as the agent's authentication: requests carrying a
// live queryId in _meta are scoped to the originating session and to the
// query's tool allowlist. Terminal queries are kept for a short retention
// window so that late agent retries see QueryCompleted, then pruned so
// they see QueryNotFound.
package query
