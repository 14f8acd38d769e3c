package bridge

// EventKind identifies a registry or session-state change.
type EventKind string

const (
	EventSessionAttached EventKind = "session_attached"
	EventSessionDetached EventKind = "session_detached"
	EventToolAdded       EventKind = "added_tool"
	EventToolRemoved     EventKind = "removed_tool"
	EventResourceAdded   EventKind = "added_resource"
	EventResourceRemoved EventKind = "removed_resource"
	EventPromptAdded     EventKind = "added_prompt"
	EventPromptRemoved   EventKind = "removed_prompt"
)

// Event is a compact change notice published by the registry. Item names
// the tool/resource/prompt for capability events and is empty for
// attach/detach.
type Event struct {
	Kind        EventKind
	SessionID   string
	SessionName string
	AuthToken   string
	Item        string
}

// subscriberBufferSize bounds the per-subscriber event queue. A subscriber
// that falls this far behind loses events; the fan-out compensates by
// coalescing list_changed notifications anyway.
const subscriberBufferSize = 64
