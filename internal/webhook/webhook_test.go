package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/open-dispatch/opendispatch/internal/job"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*job.Job)}
}

func (s *fakeStore) GetJob(id string) (*job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *fakeStore) put(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID()] = j
}

func post(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.ContentLength = int64(len(b))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLogsAppendAndFiresOnMessage(t *testing.T) {
	store := newFakeStore()
	var got []string
	j := job.New("j1", "tok-1", job.Spec{}, func(text string) {
		got = append(got, text)
	}, nil)
	j.Start("m1")
	store.put(j)

	srv := New(Config{Store: store}, nil)
	w := post(t, srv.Handler(), "/webhooks/logs", "tok-1", map[string]string{"jobId": "j1", "text": "A"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected onMessage to fire with A, got %v", got)
	}
}

func TestCrossTokenRejected(t *testing.T) {
	store := newFakeStore()
	a := job.New("a", "tok-a", job.Spec{}, nil, nil)
	a.Start("m1")
	b := job.New("b", "tok-b", job.Spec{}, nil, nil)
	b.Start("m2")
	store.put(a)
	store.put(b)

	srv := New(Config{Store: store}, nil)
	w := post(t, srv.Handler(), "/webhooks/logs", "tok-b", map[string]string{"jobId": "a", "text": "x"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 using b's token against a, got %d", w.Code)
	}
	if len(a.Messages()) != 0 {
		t.Fatalf("job a's logs must be unchanged after a rejected cross-token request")
	}
}

func TestStatusCompletedFiresOnCompleteAndReturns200(t *testing.T) {
	store := newFakeStore()
	completed := make(chan struct{}, 1)
	j := job.New("j1", "tok", job.Spec{}, nil, func(j *job.Job) {
		completed <- struct{}{}
	})
	j.Start("m1")
	store.put(j)

	srv := New(Config{Store: store}, nil)
	w := post(t, srv.Handler(), "/webhooks/status", "tok", map[string]any{
		"jobId":    "j1",
		"status":   "completed",
		"exitCode": 0,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if j.Status() != job.StatusCompleted {
		t.Fatalf("expected job to reach Completed, got %s", j.Status())
	}
	select {
	case <-completed:
	default:
		t.Fatalf("expected onComplete to have fired")
	}
}

func TestStatusOnCompletePanicStillReturns200(t *testing.T) {
	store := newFakeStore()
	j := job.New("j1", "tok", job.Spec{}, nil, func(j *job.Job) {
		panic("boom")
	})
	j.Start("m1")
	store.put(j)

	srv := New(Config{Store: store}, nil)
	w := post(t, srv.Handler(), "/webhooks/status", "tok", map[string]any{
		"jobId": "j1", "status": "completed",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even though onComplete panicked, got %d", w.Code)
	}
	if j.Status() != job.StatusCompleted {
		t.Fatalf("expected Completed, got %s", j.Status())
	}
}

func TestArtifactsRejectsEmptyNameOrURL(t *testing.T) {
	store := newFakeStore()
	j := job.New("j1", "tok", job.Spec{}, nil, nil)
	j.Start("m1")
	store.put(j)

	srv := New(Config{Store: store}, nil)
	w := post(t, srv.Handler(), "/webhooks/artifacts", "tok", map[string]any{
		"jobId": "j1",
		"artifacts": []map[string]string{
			{"name": "PR", "url": "http://x/1"},
			{"name": "", "url": "http://x/2"},
			{"name": "Log", "url": ""},
		},
	})

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["count"].(float64) != 1 {
		t.Fatalf("expected count=1, got %v", resp["count"])
	}
	if len(j.Artifacts()) != 1 {
		t.Fatalf("expected exactly 1 artifact recorded, got %d", len(j.Artifacts()))
	}
}

func TestOversizedBodyRejectedWithout413Buffering(t *testing.T) {
	store := newFakeStore()
	srv := New(Config{Store: store, MaxBodyBytes: 1024}, nil)

	bigText := strings.Repeat("a", 2*1024*1024)
	body, _ := json.Marshal(map[string]string{"jobId": "j1", "text": bigText})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/logs", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestMalformedJSONReturns400(t *testing.T) {
	store := newFakeStore()
	srv := New(Config{Store: store}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/logs", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUnknownJobUnauthorized(t *testing.T) {
	store := newFakeStore()
	srv := New(Config{Store: store}, nil)
	w := post(t, srv.Handler(), "/webhooks/logs", "whatever", map[string]string{"jobId": "nope", "text": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown job, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	store := newFakeStore()
	srv := New(Config{Store: store}, func() int { return 3 })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "healthy" || resp["jobs"].(float64) != 3 {
		t.Fatalf("unexpected health response: %v", resp)
	}
}
