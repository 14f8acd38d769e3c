package bridge

import "fmt"

// ErrorCode identifies a bridge error condition. The codes are stable and
// surface on the wire (JSON-RPC error data, query HTTP responses, frontend
// error frames), so they must not be renamed.
type ErrorCode string

const (
	// ErrMissingAuthentication indicates a request with no bearer token
	// and no query scope.
	ErrMissingAuthentication ErrorCode = "MissingAuthentication"

	// ErrInvalidAuthentication indicates a bearer token that matched no
	// live session.
	ErrInvalidAuthentication ErrorCode = "InvalidAuthentication"

	// ErrSessionNotSpecified indicates a bearer token that matched more
	// than one session while the request did not pick one.
	ErrSessionNotSpecified ErrorCode = "SessionNotSpecified"

	// ErrSessionNotFound indicates a named or id-addressed session that
	// is not live.
	ErrSessionNotFound ErrorCode = "SessionNotFound"

	// ErrSessionNameAlreadyInUse indicates a name collision on attach.
	ErrSessionNameAlreadyInUse ErrorCode = "SessionNameAlreadyInUse"

	// ErrSessionGone indicates the owning session detached while a call
	// was in flight.
	ErrSessionGone ErrorCode = "SessionGone"

	// ErrToolNotFound indicates the resolved session does not own the
	// requested tool.
	ErrToolNotFound ErrorCode = "ToolNotFound"

	// ErrToolNotAllowed indicates a query-scoped call outside the query's
	// tool allowlist.
	ErrToolNotAllowed ErrorCode = "ToolNotAllowed"

	// ErrToolSchemaConflict indicates a registration whose schemas
	// disagree with a sibling session's tool of the same name.
	ErrToolSchemaConflict ErrorCode = "ToolSchemaConflict"

	// ErrResourceNotFound indicates the resolved session does not own the
	// requested resource.
	ErrResourceNotFound ErrorCode = "ResourceNotFound"

	// ErrPromptNotFound indicates the resolved session does not own the
	// requested prompt.
	ErrPromptNotFound ErrorCode = "PromptNotFound"

	// ErrQueryNotFound indicates an unknown or already pruned query id.
	ErrQueryNotFound ErrorCode = "QueryNotFound"

	// ErrQueryCompleted indicates an operation against a query that has
	// already reached a terminal state.
	ErrQueryCompleted ErrorCode = "QueryCompleted"

	// ErrTimeout indicates a pending call that hit its deadline.
	ErrTimeout ErrorCode = "Timeout"

	// ErrSlowConsumer indicates an SSE stream that could not accept a
	// write within its buffer budget.
	ErrSlowConsumer ErrorCode = "SlowConsumer"

	// ErrInternal indicates an unexpected failure.
	ErrInternal ErrorCode = "InternalError"
)

// Error is a coded bridge error. Data carries optional structured detail
// (e.g. available_tools on ToolNotFound) that is surfaced to clients.
type Error struct {
	Code    ErrorCode
	Message string
	Data    map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail to the error and returns it.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// CodeOf extracts the bridge error code from an error, or ErrInternal if
// the error is not a coded bridge error.
func CodeOf(err error) ErrorCode {
	if be, ok := err.(*Error); ok {
		return be.Code
	}
	return ErrInternal
}
