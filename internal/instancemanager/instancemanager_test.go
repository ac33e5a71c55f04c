package instancemanager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/job"
	"github.com/open-dispatch/opendispatch/internal/machines"
)

func newTestManager(t *testing.T, mc *machines.MemoryClient) *Manager {
	t.Helper()
	m := New(Config{
		Machines:       mc,
		Tokens:         machines.NewJobTokenSource("test-secret"),
		Logger:         zap.NewNop(),
		WebhookBaseURL: "http://localhost:8080",
		CleanupDelay:   50 * time.Millisecond,
		DefaultTimeout: 5 * time.Second,
		ReaperInterval: time.Hour,
	})
	t.Cleanup(m.Stop)
	return m
}

// completeJobByWebhook simulates the reporter's webhook calls by driving the
// Job directly — exercising the same AppendLog/Complete path the webhook
// ingress would, without standing up an HTTP server.
func completeJobByWebhook(mgr *Manager, jobID string, lines []string, exitCode int) {
	j, ok := mgr.GetJob(jobID)
	if !ok {
		return
	}
	for _, l := range lines {
		j.AppendLog(l, job.LevelInfo)
	}
	j.Complete(exitCode)
}

// TestSendToInstanceOneShotWebhookCompletion is scenario S1: webhook-driven
// completion resolves the send with the accumulated logs/artifacts/exitCode.
func TestSendToInstanceOneShotWebhookCompletion(t *testing.T) {
	mc := machines.NewMemoryClient()
	mgr := newTestManager(t, mc)

	res := mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{})
	if !res.Success {
		t.Fatalf("StartInstance failed: %s", res.Error)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Give SpawnOneShot a moment to register the job before we drive it.
		time.Sleep(10 * time.Millisecond)
		jobs := mgr.ListJobs()
		if len(jobs) == 0 {
			t.Errorf("expected a job to be registered")
			return
		}
		completeJobByWebhook(mgr, jobs[0].ID(), []string{"A", "B"}, 0)
	}()

	sendRes := mgr.SendToInstance(context.Background(), "alice", "do the thing", SendOptions{TimeoutMs: 5000})
	wg.Wait()

	if !sendRes.Success {
		t.Fatalf("expected success, got error %q", sendRes.Error)
	}
	if len(sendRes.Responses) < 2 || sendRes.Responses[0] != "A" || sendRes.Responses[1] != "B" {
		t.Fatalf("expected responses [A, B], got %v", sendRes.Responses)
	}
	if sendRes.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", sendRes.ExitCode)
	}

	inst, _ := mgr.GetInstance("alice")
	if inst.CurrentJob != nil {
		t.Fatalf("expected instance.currentJob to be nil after SendToInstance returns")
	}
}

// TestSendToInstanceOneShotTimeout is scenario S2: no webhook ever fires, so
// the send must resolve via timeout with an error mentioning "timed out".
func TestSendToInstanceOneShotTimeout(t *testing.T) {
	mc := machines.NewMemoryClient()
	mgr := newTestManager(t, mc)

	res := mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{})
	if !res.Success {
		t.Fatalf("StartInstance failed: %s", res.Error)
	}

	start := time.Now()
	sendRes := mgr.SendToInstance(context.Background(), "alice", "do the thing", SendOptions{TimeoutMs: 200})
	elapsed := time.Since(start)

	if sendRes.Success {
		t.Fatalf("expected failure on timeout")
	}
	if !strings.Contains(sendRes.Error, "timed out") {
		t.Fatalf("expected error to mention timed out, got %q", sendRes.Error)
	}
	if elapsed < 180*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("expected resolution within roughly 180ms-2s, took %v", elapsed)
	}

	inst, _ := mgr.GetInstance("alice")
	if inst.CurrentJob != nil {
		t.Fatalf("expected instance.currentJob to be nil after timeout resolves")
	}
}

// TestSendToInstanceSpawnError exercises the third completion path: a
// Machines spawn failure must resolve the send synchronously without ever
// arming the timeout timer.
func TestSendToInstanceSpawnError(t *testing.T) {
	mc := machines.NewMemoryClient()
	mc.SpawnOneShotErr = context.DeadlineExceeded
	mgr := newTestManager(t, mc)

	mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{})

	start := time.Now()
	sendRes := mgr.SendToInstance(context.Background(), "alice", "do the thing", SendOptions{TimeoutMs: 5000})
	elapsed := time.Since(start)

	if sendRes.Success {
		t.Fatalf("expected failure on spawn error")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected spawn-error path to resolve immediately, took %v", elapsed)
	}

	inst, _ := mgr.GetInstance("alice")
	if inst.CurrentJob != nil {
		t.Fatalf("expected instance.currentJob to be nil after spawn error")
	}
}

// TestSendToInstanceNotFound covers the missing-instance guard.
func TestSendToInstanceNotFound(t *testing.T) {
	mgr := newTestManager(t, machines.NewMemoryClient())
	res := mgr.SendToInstance(context.Background(), "ghost", "hi", SendOptions{})
	if res.Success {
		t.Fatalf("expected failure for unknown instance")
	}
}

// TestStartInstanceRejectsDuplicate covers invariant: duplicate instanceId
// is rejected regardless of caller (property 10 in SPEC_FULL.md §8).
func TestStartInstanceRejectsDuplicate(t *testing.T) {
	mgr := newTestManager(t, machines.NewMemoryClient())
	first := mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{})
	if !first.Success {
		t.Fatalf("expected first StartInstance to succeed")
	}
	second := mgr.StartInstance(context.Background(), "alice", "/repo", "C-2", StartOptions{})
	if second.Success {
		t.Fatalf("expected duplicate instanceId to be rejected")
	}
}

// TestStartInstanceAutoGeneratesName covers the empty-instanceId path
// (spec.md §4.5.2).
func TestStartInstanceAutoGeneratesName(t *testing.T) {
	mgr := newTestManager(t, machines.NewMemoryClient())
	res := mgr.StartInstance(context.Background(), "", "/repo", "C-1", StartOptions{})
	if !res.Success || res.InstanceID == "" {
		t.Fatalf("expected an auto-generated instance id, got %+v", res)
	}
}

// TestStartInstancePersistentSpawnFailureRemovesInstance covers the
// persistent-start error path: a spawn failure must not leave a
// half-registered instance behind.
func TestStartInstancePersistentSpawnFailureRemovesInstance(t *testing.T) {
	mc := machines.NewMemoryClient()
	mc.SpawnPersistentErr = context.DeadlineExceeded
	mgr := newTestManager(t, mc)

	res := mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{Persistent: true})
	if res.Success {
		t.Fatalf("expected failure when SpawnPersistent errors")
	}
	if _, ok := mgr.GetInstance("alice"); ok {
		t.Fatalf("expected instance to be removed after persistent spawn failure")
	}
}

// TestStopInstanceBestEffort covers stopping a running persistent instance:
// StopInstance reports success and the instance leaves the registry.
func TestStopInstanceBestEffort(t *testing.T) {
	mc := machines.NewMemoryClient()
	mgr := newTestManager(t, mc)
	mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{Persistent: true})

	ok, err := mgr.StopInstance(context.Background(), "alice")
	if !ok || err != nil {
		t.Fatalf("expected StopInstance to succeed, got ok=%v err=%v", ok, err)
	}
	if _, found := mgr.GetInstance("alice"); found {
		t.Fatalf("expected instance to be removed")
	}
}

func TestStopInstanceUnknown(t *testing.T) {
	mgr := newTestManager(t, machines.NewMemoryClient())
	ok, err := mgr.StopInstance(context.Background(), "ghost")
	if ok || err == nil {
		t.Fatalf("expected an error stopping an unknown instance")
	}
}

// TestSweepEvictsStaleJobsAndClearsCurrentJob exercises the stale reaper
// (spec.md §4.5.5): a Job whose inactivity exceeds its timeout is failed,
// destroyed, and removed, and the owning instance's currentJob is cleared.
func TestSweepEvictsStaleJobsAndClearsCurrentJob(t *testing.T) {
	mc := machines.NewMemoryClient()
	mgr := newTestManager(t, mc)

	j := job.New("stale-1", "tok", job.Spec{TimeoutMs: 1}, nil, nil)
	j.Start("m-1")
	time.Sleep(5 * time.Millisecond)

	mgr.registerJob(j)
	mgr.instances["alice"] = &Instance{ID: "alice", CurrentJob: j}

	mgr.Sweep()

	if j.Status() != job.StatusFailed {
		t.Fatalf("expected stale job to be failed, got %s", j.Status())
	}
	if _, found := mgr.GetJob("stale-1"); found {
		t.Fatalf("expected stale job to be removed from the registry")
	}
	inst, _ := mgr.GetInstance("alice")
	if inst.CurrentJob != nil {
		t.Fatalf("expected instance.currentJob to be cleared by the reaper")
	}
	if !mc.IsDestroyed("m-1") {
		t.Fatalf("expected the reaper to best-effort destroy the stale job's machine")
	}
}

// TestSweepToleratesRaceWithWebhookCompletion covers the tolerance note in
// spec.md §4.5.5: a Job that completes via webhook between IsTimedOut's
// check and the reaper's Fail call must keep its webhook-driven outcome.
func TestSweepToleratesRaceWithWebhookCompletion(t *testing.T) {
	j := job.New("race-1", "tok", job.Spec{TimeoutMs: 1}, nil, nil)
	j.Start("m-1")
	j.Complete(0) // webhook wins the race before Sweep ever calls Fail

	j.Fail("Job timed out (stale reaper)", 0)

	if j.Status() != job.StatusCompleted {
		t.Fatalf("expected Job.Fail after Complete to be a no-op, got %s", j.Status())
	}
}

// TestSendPersistentClearsCurrentJobOnNonZeroExit covers the persistent send
// path's exit-path guarantee (spec.md §4.5.3) when the command exits non-zero.
func TestSendPersistentClearsCurrentJobOnNonZeroExit(t *testing.T) {
	mc := machines.NewMemoryClient()
	mc.ExecFunc = func(machineID, command string) machines.ExecResult {
		return machines.ExecResult{ExitCode: 1, Stderr: "boom"}
	}
	mgr := newTestManager(t, mc)

	mgr.StartInstance(context.Background(), "alice", "/repo", "C-1", StartOptions{Persistent: true})

	res := mgr.SendToInstance(context.Background(), "alice", "do it", SendOptions{})
	if res.Success {
		t.Fatalf("expected non-zero exit to surface as failure")
	}
	if !res.Persistent {
		t.Fatalf("expected Persistent:true in the result")
	}
	inst, _ := mgr.GetInstance("alice")
	if inst.CurrentJob != nil {
		t.Fatalf("expected instance.currentJob to be cleared after persistent send")
	}
}
