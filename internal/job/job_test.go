package job

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartOnlyValidFromQueued(t *testing.T) {
	j := New("j1", "tok", Spec{}, nil, nil)
	j.Start("m1")
	if j.Status() != StatusRunning {
		t.Fatalf("expected Running, got %s", j.Status())
	}
	if j.MachineID() != "m1" {
		t.Fatalf("expected machine id m1, got %s", j.MachineID())
	}

	// A second Start must not override the machine id.
	j.Start("m2")
	if j.MachineID() != "m1" {
		t.Fatalf("Start must be a no-op once Running, got machine id %s", j.MachineID())
	}
}

func TestCompleteAndFailAreIdempotent(t *testing.T) {
	var calls int32
	j := New("j1", "tok", Spec{}, nil, func(j *Job) {
		atomic.AddInt32(&calls, 1)
	})
	j.Start("m1")

	j.Complete(0)
	j.Complete(1) // no-op
	j.Fail("boom", 2) // no-op, already terminal

	if j.Status() != StatusCompleted {
		t.Fatalf("expected Completed, got %s", j.Status())
	}
	if j.ExitCode() != 0 {
		t.Fatalf("expected first exit code to win, got %d", j.ExitCode())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("onComplete must fire exactly once, fired %d times", got)
	}
}

func TestCompleteFailRaceFiresOnCompleteOnce(t *testing.T) {
	var calls int32
	j := New("j1", "tok", Spec{}, nil, func(j *Job) {
		atomic.AddInt32(&calls, 1)
	})
	j.Start("m1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		j.Complete(0)
	}()
	go func() {
		defer wg.Done()
		j.Fail("timed out", 1)
	}()
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("onComplete must fire exactly once under a race, fired %d times", got)
	}
}

func TestIsTimedOut(t *testing.T) {
	j := New("j1", "tok", Spec{TimeoutMs: 1}, nil, nil)
	if j.IsTimedOut() {
		t.Fatalf("a Queued job must never report timed out")
	}
	j.Start("m1")
	time.Sleep(5 * time.Millisecond)
	if !j.IsTimedOut() {
		t.Fatalf("expected job to be timed out after exceeding its budget")
	}
	j.Complete(0)
	if j.IsTimedOut() {
		t.Fatalf("a terminal job must never report timed out")
	}
}

func TestAppendLogOrderingAndOnMessage(t *testing.T) {
	var received []string
	var mu sync.Mutex
	j := New("j1", "tok", Spec{}, func(text string) {
		mu.Lock()
		received = append(received, text)
		mu.Unlock()
	}, nil)

	j.AppendLog("A", LevelInfo)
	j.AppendLog("B", LevelInfo)

	if got := j.Messages(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("expected logs in arrival order [A B], got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "A" || received[1] != "B" {
		t.Fatalf("onMessage must fire in arrival order, got %v", received)
	}
}

func TestOnMessagePanicDoesNotEscape(t *testing.T) {
	j := New("j1", "tok", Spec{}, func(text string) {
		panic("boom")
	}, nil)
	j.AppendLog("A", LevelInfo) // must not panic the test
	if got := j.Messages(); len(got) != 1 {
		t.Fatalf("log must still be recorded despite the callback panicking")
	}
}

func TestOnCompletePanicDoesNotEscape(t *testing.T) {
	j := New("j1", "tok", Spec{}, nil, func(j *Job) {
		panic("boom")
	})
	j.Start("m1")
	j.Complete(0) // must not panic the test
	if j.Status() != StatusCompleted {
		t.Fatalf("job must still reach Completed despite onComplete panicking")
	}
}

func TestSerializeOmitsToken(t *testing.T) {
	j := New("j1", "secret-token", Spec{Repo: "r", ChannelID: "c"}, nil, nil)
	j.AppendLog("hello", LevelInfo)
	j.AddArtifact(Artifact{Name: "PR", URL: "http://x/1"})

	s := j.Serialize()
	if s.ID != "j1" || s.ChannelID != "c" || s.Repo != "r" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if len(s.Logs) != 1 || len(s.Artifacts) != 1 {
		t.Fatalf("expected logs and artifacts to survive serialization, got %+v", s)
	}

	rehydrated := Deserialize(s)
	if rehydrated.Token() != "" {
		t.Fatalf("Deserialize must never carry a token")
	}
	if rehydrated.ID() != "j1" {
		t.Fatalf("expected id to round-trip, got %s", rehydrated.ID())
	}
}

func TestDurationZeroBeforeStart(t *testing.T) {
	j := New("j1", "tok", Spec{}, nil, nil)
	if d := j.Duration(); d != 0 {
		t.Fatalf("expected zero duration before Start, got %v", d)
	}
}
