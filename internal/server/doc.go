// Package server assembles the bridge's HTTP surface: the frontend
// websocket upgrade, the consumer MCP endpoint, the query lifecycle
// endpoints used by frontends and agents, and the unauthenticated
// health/config probes.
package server
