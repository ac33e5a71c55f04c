// Package websocket implements the real-time relay that streams a single
// job's log lines and status transitions to operators watching it through
// the admin API. It uses gorilla/websocket under the hood. Unlike a
// general-purpose pub/sub hub, every connection here subscribes to exactly
// one topic for its lifetime — the job it was opened against — so the hub
// keeps a short replay buffer per topic instead of treating messages as
// fire-and-forget broadcasts.
//
// Topic naming convention:
//
//	job:<uuid>  — log lines and status transitions for a specific job
package websocket

// MessageType identifies the kind of event carried by a Message.
// The operator UI uses this field to route the payload to the correct
// update.
type MessageType string

const (
	// MsgJobLog is sent for each log line appended to a job, whether it
	// originated from the agent's stdout/stderr stream or a webhook call.
	MsgJobLog MessageType = "job.log"

	// MsgJobStatus is sent when a job transitions between states
	// (queued → running → completed | failed).
	MsgJobStatus MessageType = "job.status"

	// MsgPing names an application-level keepalive message. Neither the hub
	// nor Client sends it; connection liveness is checked with WebSocket
	// ping/pong frames in Client.writePump and Client.readPump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The operator UI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"job.log","topic":"job:018f...","payload":{"line":"..."}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct job.
	Topic string `json:"topic"`

	// Terminal marks a job.status message that reports the job's final
	// outcome (completed or failed). The hub uses this to know when a
	// topic's replay buffer is safe to retire — once a job is done, no
	// further messages on its topic will ever be published.
	Terminal bool `json:"-"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.log:    {"line":"...","timestamp":"..."}
	//   - job.status: {"status":"completed","exit_code":0}
	//   - ping:       {} (empty)
	Payload any `json:"payload"`
}
