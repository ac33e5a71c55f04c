package api

import (
	"time"

	"github.com/open-dispatch/opendispatch/internal/job"
	"github.com/open-dispatch/opendispatch/internal/websocket"
)

// HubPublisher adapts a *websocket.Hub to the instancemanager.Publisher
// interface, translating job log lines and status transitions into
// messages on the job:<id> topic. It is the only bridge between the core
// orchestrator and the admin API's live relay — instancemanager never
// imports the websocket package directly.
type HubPublisher struct {
	hub *websocket.Hub
}

// NewHubPublisher creates a HubPublisher backed by hub.
func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// PublishJobLog relays a single output line to operators watching jobID.
func (p *HubPublisher) PublishJobLog(jobID, line string) {
	p.hub.Publish("job:"+jobID, websocket.Message{
		Type:  websocket.MsgJobLog,
		Topic: "job:" + jobID,
		Payload: map[string]any{
			"line":      line,
			"timestamp": time.Now().UTC(),
		},
	})
}

// PublishJobStatus relays a job's terminal or in-flight status transition
// to operators watching jobID.
func (p *HubPublisher) PublishJobStatus(jobID string, status job.Status, exitCode int) {
	terminal := status == job.StatusCompleted || status == job.StatusFailed
	p.hub.Publish("job:"+jobID, websocket.Message{
		Type:     websocket.MsgJobStatus,
		Topic:    "job:" + jobID,
		Terminal: terminal,
		Payload: map[string]any{
			"status":    status,
			"exit_code": exitCode,
		},
	})
}
