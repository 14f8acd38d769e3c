package server

import (
	"encoding/json"
	"net/http"
	"time"

	"uibridge/internal/bridge"
	"uibridge/internal/frontend"
	"uibridge/internal/mcpserver"
	"uibridge/internal/query"
	"uibridge/pkg/logging"
)

// Server is the assembled HTTP front of the bridge.
type Server struct {
	registry *bridge.Registry
	queries  *query.Engine

	name        string
	description string
	version     string

	mux *http.ServeMux
}

// New builds the route table over the given handlers and core state.
func New(registry *bridge.Registry, queries *query.Engine, ws *frontend.Handler, mcp *mcpserver.Handler, name, description, version string) *Server {
	s := &Server{
		registry:    registry,
		queries:     queries,
		name:        name,
		description: description,
		version:     version,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /ws", ws.HandleWebSocket)
	s.mux.Handle("/mcp", mcp)

	s.mux.HandleFunc("PUT /query/{uuid}", s.createQuery)
	s.mux.HandleFunc("POST /query/{uuid}/progress", s.queryProgress)
	s.mux.HandleFunc("PUT /query/{uuid}/complete", s.queryComplete)
	s.mux.HandleFunc("PUT /query/{uuid}/fail", s.queryFail)
	s.mux.HandleFunc("PUT /query/{uuid}/cancel", s.queryCancel)

	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /config", s.configInfo)

	return s
}

// Handler returns the assembled route table.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// createQuery accepts a new query from a frontend. The originating
// session is named in the session query parameter and must be live; when
// the request carries an Authorization header it must match the
// session's token.
func (s *Server) createQuery(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, bridge.NewError(bridge.ErrSessionNotSpecified,
			"query creation requires a session parameter"))
		return
	}
	session, ok := s.registry.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, bridge.NewError(bridge.ErrSessionNotFound,
			"session %s is not connected", sessionID))
		return
	}
	if token := bearer(r); token != "" && token != session.AuthToken {
		writeError(w, http.StatusForbidden, bridge.NewError(bridge.ErrInvalidAuthentication,
			"token does not match session %s", sessionID))
		return
	}

	var spec query.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, bridge.NewError(bridge.ErrInternal,
			"invalid query body: %v", err))
		return
	}
	spec.UUID = uuid

	if _, err := s.queries.Create(session.ID, spec); err != nil {
		writeQueryError(w, err)
		return
	}
	session.Touch()
	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": uuid, "state": string(query.StateAccepted)})
}

func (s *Server) queryProgress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := s.queries.Progress(r.PathValue("uuid"), body.Message); err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(query.StateInProgress)})
}

func (s *Server) queryComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := s.queries.Complete(r.PathValue("uuid"), body.Message); err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(query.StateCompleted)})
}

func (s *Server) queryFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := s.queries.Fail(r.PathValue("uuid"), body.Error); err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(query.StateFailed)})
}

func (s *Server) queryCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by agent"
	}

	if err := s.queries.Cancel(r.PathValue("uuid"), body.Reason); err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(query.StateCancelled)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.registry.Len(),
	})
}

func (s *Server) configInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        s.name,
		"description": s.description,
		"version":     s.version,
	})
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

// writeQueryError maps query engine errors onto the agent-facing HTTP
// statuses: 404 for unknown queries, 409 for terminal ones.
func writeQueryError(w http.ResponseWriter, err error) {
	switch bridge.CodeOf(err) {
	case bridge.ErrQueryNotFound:
		writeError(w, http.StatusNotFound, err)
	case bridge.ErrQueryCompleted:
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error(), "code": string(bridge.CodeOf(err))}
	if be, ok := err.(*bridge.Error); ok && be.Data != nil {
		body["data"] = be.Data
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("Server", "Failed to write response: %v", err)
	}
}
