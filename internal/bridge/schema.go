package bridge

import (
	"encoding/json"
	"reflect"
)

// SchemasEquivalent reports whether two JSON-Schema documents are
// structurally equal. Comparison is value-based after decoding, so key
// order and whitespace do not matter. Absent, empty, and JSON null
// schemas are all treated as "no schema" and equal to each other.
func SchemasEquivalent(a, b json.RawMessage) bool {
	na, okA := normalizeSchema(a)
	nb, okB := normalizeSchema(b)
	if !okA || !okB {
		// Malformed schemas never compare equal to anything, including
		// themselves, so they always trip the arbiter.
		return false
	}
	if na == nil && nb == nil {
		return true
	}
	return reflect.DeepEqual(na, nb)
}

func normalizeSchema(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	return v, true
}

// CheckToolConflict enforces the single-surface invariant for named
// session groups: within sessions sharing one session name, any two tools
// with the same name must carry deeply-equal input and output schemas.
//
// Returns nil when the registration is acceptable, or a ToolSchemaConflict
// error naming the sibling session that already owns the disagreeing
// definition. Sessions without a name are never in conflict.
func (r *Registry) CheckToolConflict(s *Session, entry ToolEntry) *Error {
	for _, sibling := range r.Siblings(s.Name, s.ID) {
		existing, ok := sibling.Tool(entry.Name)
		if !ok {
			continue
		}
		if !SchemasEquivalent(existing.InputSchema, entry.InputSchema) {
			return NewError(ErrToolSchemaConflict,
				"tool %q input schema disagrees with session %s", entry.Name, sibling.ID).
				WithData("tool", entry.Name).
				WithData("conflictingSession", sibling.ID).
				WithData("schema", "inputSchema")
		}
		if !SchemasEquivalent(existing.OutputSchema, entry.OutputSchema) {
			return NewError(ErrToolSchemaConflict,
				"tool %q output schema disagrees with session %s", entry.Name, sibling.ID).
				WithData("tool", entry.Name).
				WithData("conflictingSession", sibling.ID).
				WithData("schema", "outputSchema")
		}
	}
	return nil
}
