package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/instancemanager"
)

// InstanceHandler exposes the instance manager's registry and send path over
// HTTP, per spec.md §4.6.
type InstanceHandler struct {
	mgr    *instancemanager.Manager
	logger *zap.Logger
}

// NewInstanceHandler creates an InstanceHandler bound to mgr.
func NewInstanceHandler(mgr *instancemanager.Manager, logger *zap.Logger) *InstanceHandler {
	return &InstanceHandler{mgr: mgr, logger: logger.Named("instance_handler")}
}

// instanceResponse is the JSON projection of an instancemanager.Instance.
type instanceResponse struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	ChannelID    string     `json:"channelId"`
	ProjectDir   string     `json:"projectDir"`
	Repo         string     `json:"repo"`
	MessageCount int        `json:"messageCount"`
	Persistent   bool       `json:"persistent"`
	SpriteID     string     `json:"spriteId,omitempty"`
	CurrentJobID string     `json:"currentJobId,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
}

func instanceToResponse(inst *instancemanager.Instance) instanceResponse {
	resp := instanceResponse{
		ID:           inst.ID,
		SessionID:    inst.SessionID,
		ChannelID:    inst.ChannelID,
		ProjectDir:   inst.ProjectDir,
		Repo:         inst.Repo,
		MessageCount: inst.MessageCount,
		Persistent:   inst.Persistent,
		SpriteID:     inst.SpriteID,
		StartedAt:    inst.StartedAt,
	}
	if inst.CurrentJob != nil {
		resp.CurrentJobID = inst.CurrentJob.ID()
	}
	return resp
}

// List handles GET /api/v1/instances.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	instances := h.mgr.ListInstances()
	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceToResponse(inst))
	}
	Ok(w, out)
}

// createInstanceRequest is the JSON body expected by POST /api/v1/instances.
type createInstanceRequest struct {
	InstanceID string `json:"instanceId"`
	ProjectDir string `json:"projectDir"`
	ChannelID  string `json:"channelId"`
	Persistent bool   `json:"persistent"`
	Image      string `json:"image"`
	Branch     string `json:"branch"`
}

// Create handles POST /api/v1/instances.
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChannelID == "" {
		ErrBadRequest(w, "channelId is required")
		return
	}

	result := h.mgr.StartInstance(r.Context(), req.InstanceID, req.ProjectDir, req.ChannelID, instancemanager.StartOptions{
		Persistent: req.Persistent,
		Image:      req.Image,
		Branch:     req.Branch,
	})
	if !result.Success {
		ErrUnprocessable(w, result.Error)
		return
	}

	Created(w, map[string]any{
		"instanceId": result.InstanceID,
		"sessionId":  result.SessionID,
		"spriteId":   result.SpriteID,
		"persistent": result.Persistent,
	})
}

// Delete handles DELETE /api/v1/instances/{id}.
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	ok, err := h.mgr.StopInstance(r.Context(), instanceID)
	if err != nil || !ok {
		ErrNotFound(w)
		return
	}
	NoContent(w)
}

// sendRequest is the JSON body expected by POST /api/v1/instances/{id}/send.
type sendRequest struct {
	Message   string `json:"message"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Image     string `json:"image"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// Send handles POST /api/v1/instances/{id}/send.
func (h *InstanceHandler) Send(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}

	result := h.mgr.SendToInstance(r.Context(), instanceID, req.Message, instancemanager.SendOptions{
		Repo:      req.Repo,
		Branch:    req.Branch,
		Image:     req.Image,
		TimeoutMs: req.TimeoutMs,
	})
	if !result.Success {
		h.logger.Warn("send failed", zap.String("instance_id", instanceID), zap.String("error", result.Error))
	}

	Ok(w, map[string]any{
		"success":    result.Success,
		"responses":  result.Responses,
		"jobId":      result.JobID,
		"exitCode":   result.ExitCode,
		"error":      result.Error,
		"streamed":   result.Streamed,
		"persistent": result.Persistent,
	})
}
