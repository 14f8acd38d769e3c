package bridge

import (
	"sort"
	"sync"

	"uibridge/pkg/logging"
)

// MaxSessionIDLength is the maximum allowed length for session ids and
// auth tokens. This prevents memory exhaustion using extremely long
// identifiers.
const MaxSessionIDLength = 256

// DefaultMaxSessions is the default maximum number of concurrently
// attached sessions.
const DefaultMaxSessions = 10000

// Registry indexes live frontend sessions by id, by auth token, and by
// declared session name. A single token or name may map to multiple
// sessions (different tabs of one app); disambiguation is a request-time
// concern handled by the scope resolver.
//
// All mutations publish an Event to subscribers.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byToken map[string]map[string]*Session // token -> session id -> session
	byName  map[string]map[string]*Session // name -> session id -> session

	maxSessions int

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Session),
		byToken:     make(map[string]map[string]*Session),
		byName:      make(map[string]map[string]*Session),
		maxSessions: DefaultMaxSessions,
		subscribers: make(map[int]chan Event),
	}
}

// Attach inserts a session into the registry. If a session with the same
// id is already attached (a reconnect racing a dead channel), the prior
// session is replaced atomically and returned so the caller can fail its
// pending calls.
//
// Sessions holding the same bearer token may share a name; they form a
// sibling group presented to consumers as one logical app, policed by the
// tool-conflict arbiter. A name held by a session with a different token
// is rejected with SessionNameAlreadyInUse so the frontend can pick an
// alternative.
func (r *Registry) Attach(s *Session) (replaced *Session, err error) {
	if s.ID == "" || len(s.ID) > MaxSessionIDLength {
		return nil, NewError(ErrInternal, "invalid session id")
	}

	r.mu.Lock()
	if prev, ok := r.byID[s.ID]; ok {
		replaced = prev
	}
	if s.Name != "" {
		for id, holder := range r.byName[s.Name] {
			if id != s.ID && holder.AuthToken != s.AuthToken {
				r.mu.Unlock()
				return nil, NewError(ErrSessionNameAlreadyInUse,
					"session name %q is already in use", s.Name)
			}
		}
	}
	if replaced == nil && len(r.byID) >= r.maxSessions {
		r.mu.Unlock()
		return nil, NewError(ErrInternal, "session limit reached (%d)", r.maxSessions)
	}

	if replaced != nil {
		r.removeLocked(replaced)
	}
	r.byID[s.ID] = s
	if s.AuthToken != "" {
		bucket := r.byToken[s.AuthToken]
		if bucket == nil {
			bucket = make(map[string]*Session)
			r.byToken[s.AuthToken] = bucket
		}
		bucket[s.ID] = s
	}
	if s.Name != "" {
		bucket := r.byName[s.Name]
		if bucket == nil {
			bucket = make(map[string]*Session)
			r.byName[s.Name] = bucket
		}
		bucket[s.ID] = s
	}
	r.mu.Unlock()

	logging.Info("Bridge", "Session %s attached (name=%q origin=%q)", s.ID, s.Name, s.Origin)
	r.Publish(Event{Kind: EventSessionAttached, SessionID: s.ID, SessionName: s.Name, AuthToken: s.AuthToken})
	return replaced, nil
}

// Detach removes a session by id. Returns the removed session, or nil if
// the id was not attached. Detach of a session that has already been
// replaced by a reconnect is a no-op for the replacement: the caller must
// pass the exact session it attached.
func (r *Registry) Detach(s *Session) bool {
	r.mu.Lock()
	current, ok := r.byID[s.ID]
	if !ok || current != s {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(s)
	r.mu.Unlock()

	logging.Info("Bridge", "Session %s detached", s.ID)
	r.Publish(Event{Kind: EventSessionDetached, SessionID: s.ID, SessionName: s.Name, AuthToken: s.AuthToken})
	return true
}

// removeLocked drops a session from all indices. Caller holds r.mu.
func (r *Registry) removeLocked(s *Session) {
	delete(r.byID, s.ID)
	if s.AuthToken != "" {
		if bucket := r.byToken[s.AuthToken]; bucket != nil {
			delete(bucket, s.ID)
			if len(bucket) == 0 {
				delete(r.byToken, s.AuthToken)
			}
		}
	}
	if s.Name != "" {
		if bucket := r.byName[s.Name]; bucket != nil {
			delete(bucket, s.ID)
			if len(bucket) == 0 {
				delete(r.byName, s.Name)
			}
		}
	}
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// FindByAuth returns all live sessions bound to the given bearer token,
// ordered by connection time (oldest first) for stable output.
func (r *Registry) FindByAuth(token string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSessions(r.byToken[token])
}

// FindByName returns all live sessions declaring the given name.
func (r *Registry) FindByName(name string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSessions(r.byName[name])
}

// Siblings returns the live sessions sharing the given name, excluding the
// session with excludeID. Used by the tool-conflict arbiter.
func (r *Registry) Siblings(name, excludeID string) []*Session {
	if name == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for id, s := range r.byName[name] {
		if id != excludeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForEach calls fn for every attached session until fn returns false.
// The iteration order is by connection time. fn runs outside the registry
// lock on a snapshot, so it may call back into the registry.
func (r *Registry) ForEach(fn func(*Session) bool) {
	r.mu.RLock()
	snapshot := make(map[string]*Session, len(r.byID))
	for id, s := range r.byID {
		snapshot[id] = s
	}
	r.mu.RUnlock()

	for _, s := range sortedSessions(snapshot) {
		if !fn(s) {
			return
		}
	}
}

// Len returns the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Subscribe registers an event consumer. The returned cancel function
// unsubscribes and closes the channel. Events are delivered best-effort:
// a subscriber whose buffer is full loses the event.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, subscriberBufferSize)
	r.subscribers[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		if existing, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(existing)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers. Capability mutations
// (tool/resource/prompt add and remove) are published by the frontend link
// after updating the session tables; attach/detach events are published by
// the registry itself.
func (r *Registry) Publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			logging.Debug("Bridge", "Dropping %s event for slow subscriber", ev.Kind)
		}
	}
}

func sortedSessions(bucket map[string]*Session) []*Session {
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
