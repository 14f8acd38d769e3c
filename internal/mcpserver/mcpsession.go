package mcpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"uibridge/pkg/logging"
)

// errStreamActive is returned by ServeStream when the session already
// has a live event stream attached.
var errStreamActive = errors.New("session already has an event stream")

const (
	// keepaliveInterval is how often an idle SSE stream emits a comment
	// line so intermediaries keep the connection open.
	keepaliveInterval = 30 * time.Second

	// streamWriteTimeout bounds each SSE write. A consumer that cannot
	// drain within it loses the stream.
	streamWriteTimeout = 10 * time.Second
)

// McpSession is one consumer-side MCP session, minted by initialize and
// addressed via the Mcp-Session-Id header. It pins the credentials
// presented at initialize so follow-up requests on the session do not
// need to repeat them, and carries the notification stream state.
//
// Notifications are coalesced per method: between stream writes, any
// number of changes to one listing collapse into a single list_changed
// event. A consumer therefore never sees a backlog, only "something
// changed, list again".
type McpSession struct {
	ID           string
	BoundToken   string
	BoundQueryID string
	CreatedAt    time.Time

	mu        sync.Mutex
	pending   map[string]bool
	streaming bool

	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newMcpSession(boundToken, boundQueryID string) *McpSession {
	return &McpSession{
		ID:           uuid.NewString(),
		BoundToken:   boundToken,
		BoundQueryID: boundQueryID,
		CreatedAt:    time.Now(),
		pending:      make(map[string]bool),
		signal:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// Notify queues a notification method for delivery on the session's
// stream. Repeat notifications for the same method coalesce until the
// stream drains them.
func (s *McpSession) Notify(method string) {
	s.mu.Lock()
	s.pending[method] = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Close tears the session down, terminating any attached stream.
func (s *McpSession) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// take drains the pending notification set, sorted for stable output.
func (s *McpSession) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	methods := make([]string, 0, len(s.pending))
	for m := range s.pending {
		methods = append(methods, m)
	}
	s.pending = make(map[string]bool)
	sort.Strings(methods)
	return methods
}

// ServeStream runs the SSE notification stream on the caller's
// connection until the consumer disconnects, the session closes, or a
// write stalls past the timeout. Only one stream per session is allowed.
func (s *McpSession) ServeStream(w http.ResponseWriter, r *http.Request) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.ID, errStreamActive)
	}
	s.streaming = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	}()

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-s.closed:
			return nil
		case <-s.signal:
			for _, method := range s.take() {
				if err := s.writeEvent(w, rc, method); err != nil {
					logging.Debug("MCP", "Stream for session %s torn down: %v", s.ID, err)
					return err
				}
			}
		case <-ticker.C:
			rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		}
	}
}

func (s *McpSession) writeEvent(w http.ResponseWriter, rc *http.ResponseController, method string) error {
	data, err := json.Marshal(jsonrpcNotification{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// SessionStore indexes live consumer MCP sessions by id.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*McpSession
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*McpSession)}
}

// Create mints a new MCP session bound to the given credentials.
func (st *SessionStore) Create(boundToken, boundQueryID string) *McpSession {
	s := newMcpSession(boundToken, boundQueryID)
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	logging.Debug("MCP", "Minted MCP session %s", s.ID)
	return s
}

// Get looks up an MCP session by id.
func (st *SessionStore) Get(id string) (*McpSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes and closes the MCP session. Returns false if the id was
// unknown.
func (st *SessionStore) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	logging.Debug("MCP", "Deleted MCP session %s", id)
	return true
}

// ForEach calls fn for every live MCP session.
func (st *SessionStore) ForEach(fn func(*McpSession)) {
	st.mu.RLock()
	snapshot := make([]*McpSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		snapshot = append(snapshot, s)
	}
	st.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// CloseAll tears down every session, terminating their streams. Used
// during shutdown.
func (st *SessionStore) CloseAll() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*McpSession)
	st.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
