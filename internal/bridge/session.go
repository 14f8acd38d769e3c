package bridge

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Sender is the outbound half of a frontend channel. It decouples the
// bridge core from the websocket transport so that tests can use an
// in-memory implementation.
type Sender interface {
	// Send writes one frame to the frontend. The frame is marshaled as a
	// single JSON object.
	Send(frame any) error

	// Close terminates the channel with a websocket close code and reason.
	Close(code int, reason string)
}

// ToolEntry describes one tool a frontend has registered. Schemas are kept
// in raw JSON-Schema form; the bridge never interprets them beyond the
// structural equality check in the conflict arbiter.
type ToolEntry struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Meta         json.RawMessage `json:"_meta,omitempty"`
}

// ResourceEntry describes one resource a frontend has registered. Content
// is produced on demand by a resource-read round-trip to the frontend.
type ResourceEntry struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one parameter of a registered prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptEntry describes one prompt a frontend has registered.
type PromptEntry struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Session is the bridge-side state of one live frontend connection.
//
// Identity fields are immutable after creation. The capability tables are
// mutated only by messages from the session's own channel; readers take
// snapshots under the session lock.
type Session struct {
	ID          string
	Name        string // optional; unique among concurrently live sessions
	Origin      string
	PageTitle   string
	AuthToken   string
	ConnectedAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
	tools        map[string]ToolEntry
	resources    map[string]ResourceEntry
	prompts      map[string]PromptEntry
	sender       Sender
}

// NewSession creates a session ready to attach to the registry.
func NewSession(id, name, origin, pageTitle, authToken string, sender Sender) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Name:         name,
		Origin:       origin,
		PageTitle:    pageTitle,
		AuthToken:    authToken,
		ConnectedAt:  now,
		lastActivity: now,
		tools:        make(map[string]ToolEntry),
		resources:    make(map[string]ResourceEntry),
		prompts:      make(map[string]PromptEntry),
		sender:       sender,
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent frame or call.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Send writes a frame to the frontend via the attached sender.
func (s *Session) Send(frame any) error {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender == nil {
		return NewError(ErrSessionGone, "session %s has no live channel", s.ID)
	}
	return sender.Send(frame)
}

// Close terminates the frontend channel, if one is attached.
func (s *Session) Close(code int, reason string) {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender != nil {
		sender.Close(code, reason)
	}
}

// SetTool inserts or replaces a tool entry.
func (s *Session) SetTool(entry ToolEntry) {
	s.mu.Lock()
	s.tools[entry.Name] = entry
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RemoveTool deletes a tool entry. Returns false if the tool was unknown.
func (s *Session) RemoveTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; !ok {
		return false
	}
	delete(s.tools, name)
	s.lastActivity = time.Now()
	return true
}

// Tool looks up a tool entry by name.
func (s *Session) Tool(name string) (ToolEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tools[name]
	return entry, ok
}

// Tools returns a snapshot of all tool entries, sorted by name.
func (s *Session) Tools() []ToolEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolEntry, 0, len(s.tools))
	for _, entry := range s.tools {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolNames returns the sorted names of all registered tools.
func (s *Session) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetResource inserts or replaces a resource entry.
func (s *Session) SetResource(entry ResourceEntry) {
	s.mu.Lock()
	s.resources[entry.URI] = entry
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RemoveResource deletes a resource entry by URI.
func (s *Session) RemoveResource(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[uri]; !ok {
		return false
	}
	delete(s.resources, uri)
	s.lastActivity = time.Now()
	return true
}

// Resource looks up a resource entry by URI.
func (s *Session) Resource(uri string) (ResourceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.resources[uri]
	return entry, ok
}

// Resources returns a snapshot of all resource entries, sorted by URI.
func (s *Session) Resources() []ResourceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceEntry, 0, len(s.resources))
	for _, entry := range s.resources {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// SetPrompt inserts or replaces a prompt entry.
func (s *Session) SetPrompt(entry PromptEntry) {
	s.mu.Lock()
	s.prompts[entry.Name] = entry
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RemovePrompt deletes a prompt entry by name.
func (s *Session) RemovePrompt(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[name]; !ok {
		return false
	}
	delete(s.prompts, name)
	s.lastActivity = time.Now()
	return true
}

// Prompt looks up a prompt entry by name.
func (s *Session) Prompt(name string) (PromptEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.prompts[name]
	return entry, ok
}

// Prompts returns a snapshot of all prompt entries, sorted by name.
func (s *Session) Prompts() []PromptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromptEntry, 0, len(s.prompts))
	for _, entry := range s.prompts {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
