// Package frontend implements the bridge side of the frontend duplex
// channel: one websocket per live browser page.
//
// The channel is message-oriented and ordered. Every frame is a single
// JSON object with a "type" discriminator. Inbound frames mutate the
// session's capability tables (register-tool and friends), complete
// pending calls (tool-response and friends), or cancel queries. Outbound
// frames carry forwarded tool calls, resource reads, prompt gets, and
// query lifecycle events.
//
// Invalid frames are logged and dropped; JSON framing corruption closes
// the channel with a policy-violation close code. The channel is never
// half-closed: close is bidirectional and terminal.
package frontend
