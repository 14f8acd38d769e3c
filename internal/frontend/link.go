package frontend

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"uibridge/internal/bridge"
	"uibridge/internal/query"
	"uibridge/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	sendBufferSize = 256
)

// Link is one live frontend channel. It owns the websocket connection,
// pumps inbound frames into the bridge, and serializes outbound writes
// through a single writer goroutine.
type Link struct {
	conn     *websocket.Conn
	session  *bridge.Session
	registry *bridge.Registry
	pending  *bridge.PendingCalls
	queries  *query.Engine

	send chan []byte
	done chan struct{}
}

func newLink(conn *websocket.Conn, registry *bridge.Registry, pending *bridge.PendingCalls, queries *query.Engine) *Link {
	return &Link{
		conn:     conn,
		registry: registry,
		pending:  pending,
		queries:  queries,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Send implements bridge.Sender. Frames are marshaled here and written by
// the writer goroutine; a full buffer fails the send rather than stalling
// the caller.
func (l *Link) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return bridge.NewError(bridge.ErrInternal, "failed to encode frame: %v", err)
	}
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return bridge.NewError(bridge.ErrSessionGone, "channel closed")
	default:
		return bridge.NewError(bridge.ErrSlowConsumer, "channel send buffer full")
	}
}

// Close implements bridge.Sender. Safe to call from any goroutine;
// gorilla's WriteControl serializes with the writer.
func (l *Link) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logging.Debug("Frontend", "Failed to write close frame: %v", err)
	}
	l.conn.Close()
}

// readPump reads frames until the connection dies. It runs on the handler
// goroutine; cleanup (detach, failing pending calls) happens in the
// caller.
func (l *Link) readPump() {
	defer close(l.done)

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug("Frontend", "Session %s read error: %v", l.session.ID, err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Framing corruption is the one fatal frontend error.
			logging.Warn("Frontend", "Session %s sent malformed frame, closing: %v", l.session.ID, err)
			l.Close(websocket.ClosePolicyViolation, "malformed frame")
			return
		}

		l.session.Touch()
		l.dispatch(frame)
	}
}

// writePump owns all data writes to the connection and keeps the peer
// alive with periodic pings.
func (l *Link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug("Frontend", "Session %s write error: %v", l.session.ID, err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// dispatch applies one inbound frame. Unknown and invalid frames are
// dropped after logging.
func (l *Link) dispatch(frame inboundFrame) {
	switch frame.Type {
	case frameRegisterTool:
		l.registerTool(frame)
	case frameUnregisterTool:
		if frame.Name == "" {
			logging.Debug("Frontend", "Session %s: unregister-tool without name", l.session.ID)
			return
		}
		if l.session.RemoveTool(frame.Name) {
			l.publish(bridge.EventToolRemoved, frame.Name)
		}
	case frameRegisterResource:
		if frame.URI == "" {
			logging.Debug("Frontend", "Session %s: register-resource without uri", l.session.ID)
			return
		}
		l.session.SetResource(bridge.ResourceEntry{
			URI:         frame.URI,
			Name:        frame.Name,
			Description: frame.Description,
			MIMEType:    frame.MIMEType,
		})
		l.publish(bridge.EventResourceAdded, frame.URI)
	case frameUnregisterResource:
		if frame.URI != "" && l.session.RemoveResource(frame.URI) {
			l.publish(bridge.EventResourceRemoved, frame.URI)
		}
	case frameRegisterPrompt:
		if frame.Name == "" {
			logging.Debug("Frontend", "Session %s: register-prompt without name", l.session.ID)
			return
		}
		l.session.SetPrompt(bridge.PromptEntry{
			Name:        frame.Name,
			Description: frame.Description,
			Arguments:   frame.Arguments,
		})
		l.publish(bridge.EventPromptAdded, frame.Name)
	case frameUnregisterPrompt:
		if frame.Name != "" && l.session.RemovePrompt(frame.Name) {
			l.publish(bridge.EventPromptRemoved, frame.Name)
		}
	case frameToolResponse, frameResourceResponse, framePromptResponse:
		l.completeCall(frame)
	case frameQueryCancel:
		if frame.QueryID == "" {
			logging.Debug("Frontend", "Session %s: query-cancel without queryId", l.session.ID)
			return
		}
		q, ok := l.queries.Get(frame.QueryID)
		if !ok {
			logging.Debug("Frontend", "Session %s: cancel of unknown query %s", l.session.ID, frame.QueryID)
			return
		}
		// A channel may only cancel queries it originated.
		if q.OriginSessionID != l.session.ID {
			logging.Warn("Frontend", "Session %s: refusing cancel of query %s owned by %s", l.session.ID, frame.QueryID, q.OriginSessionID)
			return
		}
		reason := frame.Reason
		if reason == "" {
			reason = "cancelled by frontend"
		}
		if err := l.queries.Cancel(frame.QueryID, reason); err != nil {
			logging.Debug("Frontend", "Session %s: cancel of query %s: %v", l.session.ID, frame.QueryID, err)
		}
	default:
		logging.Debug("Frontend", "Session %s: dropping unknown frame type %q", l.session.ID, frame.Type)
	}
}

func (l *Link) registerTool(frame inboundFrame) {
	if frame.Name == "" {
		logging.Debug("Frontend", "Session %s: register-tool without name", l.session.ID)
		return
	}
	entry := bridge.ToolEntry{
		Name:         frame.Name,
		Description:  frame.Description,
		InputSchema:  frame.InputSchema,
		OutputSchema: frame.OutputSchema,
		Meta:         frame.Meta,
	}
	if conflict := l.registry.CheckToolConflict(l.session, entry); conflict != nil {
		logging.Warn("Frontend", "Session %s: rejected tool %q: %v", l.session.ID, frame.Name, conflict)
		if err := l.session.Send(errorFrame(conflict)); err != nil {
			logging.Debug("Frontend", "Session %s: failed to report conflict: %v", l.session.ID, err)
		}
		return
	}
	l.session.SetTool(entry)
	l.publish(bridge.EventToolAdded, frame.Name)
}

func (l *Link) completeCall(frame inboundFrame) {
	if frame.RequestID == "" {
		logging.Debug("Frontend", "Session %s: response without requestId", l.session.ID)
		return
	}
	out := bridge.Outcome{Result: frame.Result}
	if frame.Error != "" {
		out.Err = bridge.NewError(bridge.ErrInternal, "%s", frame.Error)
	}
	if !l.pending.Complete(l.session.ID, frame.RequestID, out) {
		// Late answer after timeout or reconnect; the id is gone.
		logging.Debug("Frontend", "Session %s: ignoring response for unknown request %s", l.session.ID, frame.RequestID)
	}
}

func (l *Link) publish(kind bridge.EventKind, item string) {
	l.registry.Publish(bridge.Event{
		Kind:        kind,
		SessionID:   l.session.ID,
		SessionName: l.session.Name,
		AuthToken:   l.session.AuthToken,
		Item:        item,
	})
}
