// Package webhook implements the authenticated HTTP ingress the in-Sprite
// reporter posts logs, artifacts, and terminal status to. It is the
// network-facing half of the completion race described by the instance
// manager: every accepted request mutates exactly one Job, found and
// authenticated by (jobId, bearer token).
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/job"
	"github.com/open-dispatch/opendispatch/internal/metrics"
)

// DefaultMaxBodyBytes is the body-size cap applied when Config.MaxBodyBytes
// is left at zero.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// JobStore is the subset of the instance manager's job registry the
// ingress needs: lookup by id. The instance manager's jobs map satisfies
// this directly, so the ingress never holds its own copy of job state.
type JobStore interface {
	GetJob(jobID string) (*job.Job, bool)
}

// Config configures the webhook server.
type Config struct {
	Store        JobStore
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Server is the chi-routed HTTP ingress.
type Server struct {
	store        JobStore
	log          *zap.Logger
	maxBodyBytes int64
	startedAt    time.Time
	jobCount     func() int

	router chi.Router
}

// New builds a Server. jobCount, if non-nil, backs the GET /health job
// count; it is supplied separately from Store because the instance
// manager's job count includes bookkeeping the ingress itself has no
// business computing.
func New(cfg Config, jobCount func() int) *Server {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		store:        cfg.Store,
		log:          log.Named("webhook"),
		maxBodyBytes: maxBody,
		startedAt:    time.Now(),
		jobCount:     jobCount,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's http.Handler, for wiring into an
// *http.Server by the process shell.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/webhooks/logs", s.handleLogs)
	r.Post("/webhooks/status", s.handleStatus)
	r.Post("/webhooks/artifacts", s.handleArtifacts)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.ObserveWebhookRequest(r.URL.Path, ww.Status())
		s.log.Info("webhook request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count := 0
	if s.jobCount != nil {
		count = s.jobCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"jobs":    count,
		"uptime":  time.Since(s.startedAt).Seconds(),
	})
}

type logsRequest struct {
	JobID string `json:"jobId"`
	Text  string `json:"text"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var req logsRequest
	j, ok := s.authenticateAndDecode(w, r, &req)
	if !ok {
		return
	}
	if req.JobID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing jobId or text")
		return
	}

	j.AppendLog(req.Text, job.LevelInfo)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type statusRequest struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode"`
	Error    *string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	j, ok := s.authenticateAndDecode(w, r, &req)
	if !ok {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "Missing jobId or text")
		return
	}

	switch req.Status {
	case "running":
		j.Touch()
	case "completed":
		exitCode := 0
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		j.Complete(exitCode)
	case "failed":
		errMsg := "Sprite reported failure"
		if req.Error != nil && *req.Error != "" {
			errMsg = *req.Error
		}
		exitCode := 1
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		j.Fail(errMsg, exitCode)
	default:
		// Unknown status values are ignored to stay tolerant of future
		// reporter versions, per spec.md §4.4.
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type artifactPayload struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

type artifactsRequest struct {
	JobID     string            `json:"jobId"`
	Artifacts []artifactPayload `json:"artifacts"`
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	var req artifactsRequest
	j, ok := s.authenticateAndDecode(w, r, &req)
	if !ok {
		return
	}
	if req.JobID == "" || req.Artifacts == nil {
		writeError(w, http.StatusBadRequest, "Missing jobId or artifacts array")
		return
	}

	count := 0
	for _, a := range req.Artifacts {
		if a.Name == "" || a.URL == "" {
			continue
		}
		j.AddArtifact(job.Artifact{Name: a.Name, URL: a.URL, Type: a.Type})
		count++
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": count})
}

// authenticateAndDecode reads and validates Content-Length, reads the body
// under the size cap, decodes it into dst, and authenticates the request
// against the job named by dst's jobId field (which must already be
// populated after decode — callers pass dst so authenticateAndDecode can
// decode once and reuse the jobId without a second JSON pass).
//
// It writes the appropriate error response and returns ok=false on any
// failure; callers must return immediately when ok is false.
func (s *Server) authenticateAndDecode(w http.ResponseWriter, r *http.Request, dst interface{ jobIDHolder() *string }) (*job.Job, bool) {
	body, ok := s.readBodyWithCap(w, r)
	if !ok {
		return nil, false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return nil, false
	}

	jobID := *dst.jobIDHolder()
	token := bearerToken(r)

	j, found := s.store.GetJob(jobID)
	if !found || j == nil || !constantTimeEqualString(j.Token(), token) {
		// Deliberately identical response whether the job is unknown or
		// the token is wrong — no information leakage either way.
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}

	return j, true
}

func (r *logsRequest) jobIDHolder() *string      { return &r.JobID }
func (r *statusRequest) jobIDHolder() *string    { return &r.JobID }
func (r *artifactsRequest) jobIDHolder() *string { return &r.JobID }

// readBodyWithCap enforces the body-size cap two ways: an early check of
// the declared Content-Length, and a running-total check while reading, so
// an oversized body is rejected without ever buffering more than the cap.
func (s *Server) readBodyWithCap(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > s.maxBodyBytes {
		drainAndClose(r)
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return nil, false
	}

	limited := io.LimitReader(r.Body, s.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Stream error")
		return nil, false
	}
	if int64(len(body)) > s.maxBodyBytes {
		drainAndClose(r)
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return nil, false
	}

	return body, true
}

func drainAndClose(r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4<<20))
	_ = r.Body.Close()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// constantTimeEqualString compares two strings in constant time so token
// comparison does not leak timing information about how much of the
// candidate matched the real token.
func constantTimeEqualString(a, b string) bool {
	// subtle.ConstantTimeCompare itself short-circuits on length, which is
	// fine here: a length mismatch alone tells an attacker nothing about
	// token content since tokens are fixed-length hex digests.
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
