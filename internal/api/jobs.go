package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/instancemanager"
	"github.com/open-dispatch/opendispatch/internal/job"
)

// JobHandler exposes job history and log introspection over HTTP, backed by
// the instance manager's in-memory job registry.
type JobHandler struct {
	mgr    *instancemanager.Manager
	logger *zap.Logger
}

// NewJobHandler creates a JobHandler bound to mgr.
func NewJobHandler(mgr *instancemanager.Manager, logger *zap.Logger) *JobHandler {
	return &JobHandler{mgr: mgr, logger: logger.Named("job_handler")}
}

// jobView decorates job.Summary with operator-friendly, human-readable
// fields. The underlying wire fields are untouched; these are additions
// only, so existing consumers of the plain Summary shape are unaffected.
type jobView struct {
	job.Summary
	DurationHuman string `json:"durationHuman,omitempty"`
	CreatedAgo    string `json:"createdAgo"`
}

func newJobView(j *job.Job) jobView {
	s := j.Serialize()
	v := jobView{Summary: s, CreatedAgo: humanize.Time(s.CreatedAt)}
	if d := j.Duration(); d > 0 {
		v.DurationHuman = humanizeDuration(d)
	}
	return v
}

// humanizeDuration renders d as an approximate, human-scale string (e.g.
// "5 minutes") by asking go-humanize's relative-time formatter to describe
// the gap between two timestamps d apart, then stripping its "ago" suffix.
func humanizeDuration(d time.Duration) string {
	rel := humanize.RelTime(time.Time{}, time.Time{}.Add(d), "", "")
	return strings.TrimSuffix(rel, " ago")
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.mgr.ListJobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	Ok(w, out)
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	j, ok := h.mgr.GetJob(jobID)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, newJobView(j))
}

// GetLogs handles GET /api/v1/jobs/{id}/logs.
// Returns the job's accumulated log lines as a JSON array — a non-streaming
// snapshot, for clients that don't want the websocket relay.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	j, ok := h.mgr.GetJob(jobID)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, j.Serialize().Logs)
}
