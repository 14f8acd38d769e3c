// Package bridge contains the core state of the uibridge server: the
// session registry, the pending-call table, the tool-conflict arbiter,
// and the change-event bus that feeds SSE notifications.
//
// A Session is the bridge-side representation of one live frontend. It is
// created when the frontend's websocket channel is accepted and destroyed
// when the channel closes. Sessions carry three capability tables (tools,
// resources, prompts) that are mutated only by messages arriving on the
// owning channel.
//
// The Registry indexes sessions three ways: by session id, by bearer
// token (a single token may map to many sessions, e.g. multiple tabs of
// one app), and by declared session name. Every mutation of registry or
// session state publishes a compact Event consumed by the notification
// fan-out.
//
// PendingCalls correlates requests forwarded to a frontend (tool calls,
// resource reads, prompt gets) with the eventual responses coming back on
// the channel, and enforces per-call deadlines.
//
// All types in this package are safe for concurrent use.
package bridge
