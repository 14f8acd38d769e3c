package frontend

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"uibridge/internal/bridge"
	"uibridge/internal/query"
	"uibridge/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: implement proper origin checking
		return true
	},
}

// Handler accepts frontend channel upgrades and runs one Link per
// connection.
type Handler struct {
	registry *bridge.Registry
	pending  *bridge.PendingCalls
	queries  *query.Engine
	name     string
	version  string
}

// NewHandler creates the upgrade handler. name and version are announced
// in the server-info frame.
func NewHandler(registry *bridge.Registry, pending *bridge.PendingCalls, queries *query.Engine, name, version string) *Handler {
	return &Handler{
		registry: registry,
		pending:  pending,
		queries:  queries,
		name:     name,
		version:  version,
	}
}

// HandleWebSocket upgrades the HTTP request and services the channel until
// it closes. The connection URL carries the session identity:
//
//	/ws?session=<id>&token=<bearer>&name=<session name>&title=<page title>
//
// session and token are autogenerated when absent so that anonymous
// frontends still get a stable identity for the life of the connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	sessionID := params.Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	token := params.Get("token")
	if token == "" {
		token = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Frontend", "Websocket upgrade failed: %v", err)
		return
	}

	link := newLink(conn, h.registry, h.pending, h.queries)
	session := bridge.NewSession(
		sessionID,
		params.Get("name"),
		r.Header.Get("Origin"),
		params.Get("title"),
		token,
		link,
	)
	link.session = session

	replaced, err := h.registry.Attach(session)
	if err != nil {
		// Name collision: report on the channel, then terminate it.
		if be, ok := err.(*bridge.Error); ok {
			conn.WriteJSON(errorFrame(be))
		}
		link.Close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	if replaced != nil {
		// Reconnect with a live prior registration: the replacement wins,
		// the old channel's in-flight calls fail.
		h.pending.FailSession(sessionID)
		replaced.Close(websocket.CloseGoingAway, "replaced by reconnect")
	}

	go link.writePump()

	if err := link.Send(ServerInfoFrame{
		Type:    "server-info",
		Name:    h.name,
		Version: h.version,
		Capabilities: map[string]bool{
			"tools":     true,
			"resources": true,
			"prompts":   true,
			"queries":   true,
		},
	}); err != nil {
		logging.Debug("Frontend", "Session %s: failed to send server-info: %v", sessionID, err)
	}

	link.readPump()

	if h.registry.Detach(session) {
		h.pending.FailSession(session.ID)
	}
}
