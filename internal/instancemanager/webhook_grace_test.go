package instancemanager

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/job"
	"github.com/open-dispatch/opendispatch/internal/machines"
	"github.com/open-dispatch/opendispatch/internal/webhook"
)

// TestGraceWindowAllowsLateWebhookThenExpires is scenario S5: a terminal Job
// stays authenticatable against the webhook ingress for CleanupDelay after
// it completes, then is evicted from the registry so the same request
// starts returning 401 once the grace window has elapsed.
func TestGraceWindowAllowsLateWebhookThenExpires(t *testing.T) {
	mgr := newTestManager(t, machines.NewMemoryClient())
	srv := webhook.New(webhook.Config{Store: mgr, Logger: zap.NewNop()}, mgr.JobCount)
	handler := srv.Handler()

	j := job.New("grace-1", "tok-grace", job.Spec{TimeoutMs: 5000}, nil, nil)
	j.Start("m-grace")
	mgr.registerJob(j)
	j.Complete(0)
	mgr.scheduleCleanup(j.ID())

	post := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"jobId":"grace-1","text":"late line"}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/logs", body)
		req.Header.Set("Authorization", "Bearer tok-grace")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Within the grace window (CleanupDelay is 50ms in newTestManager), the
	// job is still in the registry and the webhook still authenticates.
	if rec := post(); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 within the grace window, got %d: %s", rec.Code, rec.Body.String())
	}

	// Wait past CleanupDelay so scheduleCleanup's timer evicts the job.
	time.Sleep(150 * time.Millisecond)

	if rec := post(); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after the grace window elapses, got %d: %s", rec.Code, rec.Body.String())
	}
}
