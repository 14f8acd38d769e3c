package mcpserver

import (
	"context"

	"uibridge/internal/bridge"
	"uibridge/internal/query"
	"uibridge/pkg/logging"
)

// MCP list_changed notification methods.
const (
	notifyToolsChanged     = "notifications/tools/list_changed"
	notifyResourcesChanged = "notifications/resources/list_changed"
	notifyPromptsChanged   = "notifications/prompts/list_changed"
)

// Fanout relays bridge registry events to the consumer MCP sessions
// whose scope covers the affected frontend session. Delivery is
// per-method coalesced in the McpSession, so bursty frontends cost one
// notification per listing, not one per change.
type Fanout struct {
	registry *bridge.Registry
	store    *SessionStore
	queries  *query.Engine
}

// NewFanout creates the relay. Run must be called to start it.
func NewFanout(registry *bridge.Registry, store *SessionStore, queries *query.Engine) *Fanout {
	return &Fanout{registry: registry, store: store, queries: queries}
}

// Run consumes registry events until the context is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	events, cancel := f.registry.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.dispatch(ev)
		}
	}
}

func (f *Fanout) dispatch(ev bridge.Event) {
	methods := methodsFor(ev.Kind)
	if len(methods) == 0 {
		return
	}

	notified := 0
	f.store.ForEach(func(s *McpSession) {
		if !f.covers(s, ev) {
			return
		}
		for _, m := range methods {
			s.Notify(m)
		}
		notified++
	})
	if notified > 0 {
		logging.Debug("MCP", "Relayed %s for session %s to %d consumers", ev.Kind, ev.SessionID, notified)
	}
}

// covers reports whether the consumer session's scope includes the
// frontend session the event is about.
func (f *Fanout) covers(s *McpSession, ev bridge.Event) bool {
	if s.BoundToken != "" && s.BoundToken == ev.AuthToken {
		return true
	}
	if s.BoundQueryID != "" {
		if q, ok := f.queries.Get(s.BoundQueryID); ok && q.OriginSessionID == ev.SessionID {
			return true
		}
	}
	return false
}

// methodsFor maps a registry event to the MCP notifications it implies.
// Session attach and detach change every listing at once.
func methodsFor(kind bridge.EventKind) []string {
	switch kind {
	case bridge.EventSessionAttached, bridge.EventSessionDetached:
		return []string{notifyToolsChanged, notifyResourcesChanged, notifyPromptsChanged}
	case bridge.EventToolAdded, bridge.EventToolRemoved:
		return []string{notifyToolsChanged}
	case bridge.EventResourceAdded, bridge.EventResourceRemoved:
		return []string{notifyResourcesChanged}
	case bridge.EventPromptAdded, bridge.EventPromptRemoved:
		return []string{notifyPromptsChanged}
	default:
		return nil
	}
}
