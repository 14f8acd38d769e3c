package mcpserver

import (
	"net/http"
	"strings"
	"time"

	"uibridge/internal/bridge"
	"uibridge/internal/query"
)

// ScopeKind distinguishes the two ways a consumer request gains access to
// frontend sessions.
type ScopeKind int

const (
	// ScopeAuthenticated grants access to every session owned by the
	// request's bearer token.
	ScopeAuthenticated ScopeKind = iota

	// ScopeQueryScoped grants access to exactly the session that
	// originated a live query, optionally narrowed to its tool allowlist.
	ScopeQueryScoped
)

// Scope is the resolved access of one consumer request: the candidate
// sessions it may address and, for query-scoped requests, the query whose
// lifetime and allowlist bound it.
type Scope struct {
	Kind       ScopeKind
	Candidates []*bridge.Session
	Query      *query.Query
	Allowlist  map[string]struct{} // nil means unrestricted
}

// Single narrows the scope to exactly one session. With several
// candidates the caller must have picked one via _meta.sessionId; without
// a pick the error carries the roster so the consumer can retry.
func (sc *Scope) Single(sessionID string) (*bridge.Session, *bridge.Error) {
	if sessionID != "" {
		for _, s := range sc.Candidates {
			if s.ID == sessionID {
				return s, nil
			}
		}
		return nil, bridge.NewError(bridge.ErrSessionNotFound,
			"session %s is not accessible in this scope", sessionID)
	}
	switch len(sc.Candidates) {
	case 0:
		return nil, bridge.NewError(bridge.ErrSessionNotFound, "no connected sessions for this token")
	case 1:
		return sc.Candidates[0], nil
	default:
		return nil, bridge.NewError(bridge.ErrSessionNotSpecified,
			"multiple sessions are connected, pass _meta.sessionId to pick one").
			WithData("available_sessions", sessionSummaries(sc.Candidates))
	}
}

// Allowed reports whether the scope permits calling the named tool.
func (sc *Scope) Allowed(tool string) bool {
	if sc.Allowlist == nil {
		return true
	}
	_, ok := sc.Allowlist[tool]
	return ok
}

// Resolver turns request credentials into a Scope.
type Resolver struct {
	registry *bridge.Registry
	queries  *query.Engine
}

// NewResolver creates a scope resolver over the session registry and the
// query engine.
func NewResolver(registry *bridge.Registry, queries *query.Engine) *Resolver {
	return &Resolver{registry: registry, queries: queries}
}

// Resolve authenticates one request. Precedence:
//
//  1. A bearer token (Authorization header, or the token bound to the
//     consumer's MCP session at initialize) selects every frontend
//     session holding that token.
//  2. Without a bearer, a live queryId in _meta grants scoped access to
//     the query's originating session, restricted to the query's tool
//     allowlist.
//
// A request carrying neither fails with MissingAuthentication.
func (r *Resolver) Resolve(bearer string, meta requestMeta) (*Scope, *bridge.Error) {
	if bearer != "" {
		scope := &Scope{
			Kind:       ScopeAuthenticated,
			Candidates: r.registry.FindByAuth(bearer),
		}
		if len(scope.Candidates) == 0 {
			return nil, bridge.NewError(bridge.ErrInvalidAuthentication,
				"no connected sessions for the presented token")
		}
		return scope, nil
	}

	if meta.QueryID != "" {
		q, err := r.queries.Resolve(meta.QueryID)
		if err != nil {
			return nil, err
		}
		origin, ok := r.registry.Get(q.OriginSessionID)
		if !ok {
			return nil, bridge.NewError(bridge.ErrSessionGone,
				"session that originated query %s is no longer connected", meta.QueryID)
		}
		return &Scope{
			Kind:       ScopeQueryScoped,
			Candidates: []*bridge.Session{origin},
			Query:      q,
			Allowlist:  q.Allowlist(),
		}, nil
	}

	return nil, bridge.NewError(bridge.ErrMissingAuthentication,
		"request carries neither a bearer token nor a live queryId")
}

// bearerToken extracts the Authorization bearer token, tolerating a bare
// token without the scheme prefix.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// sessionSummary is the roster entry shape used in error data and in the
// list_sessions tool result.
type sessionSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	PageTitle    string   `json:"pageTitle,omitempty"`
	ConnectedAt  string   `json:"connectedAt"`
	LastActivity string   `json:"lastActivity"`
	Tools        []string `json:"tools"`
}

func summarize(s *bridge.Session) sessionSummary {
	return sessionSummary{
		ID:           s.ID,
		Name:         s.Name,
		Origin:       s.Origin,
		PageTitle:    s.PageTitle,
		ConnectedAt:  s.ConnectedAt.UTC().Format(time.RFC3339),
		LastActivity: s.LastActivity().UTC().Format(time.RFC3339),
		Tools:        s.ToolNames(),
	}
}

func sessionSummaries(sessions []*bridge.Session) []sessionSummary {
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	return out
}
