package machines

import (
	"context"
	"errors"
	"testing"

	"github.com/open-dispatch/opendispatch/internal/job"
)

func TestGenerateJobTokenDeterministic(t *testing.T) {
	s := NewJobTokenSource("secret-1")
	a1 := s.GenerateJobToken("job-a")
	a2 := s.GenerateJobToken("job-a")
	if a1 != a2 {
		t.Fatalf("expected same (secret, jobId) to produce the same token, got %q vs %q", a1, a2)
	}

	b := s.GenerateJobToken("job-b")
	if a1 == b {
		t.Fatalf("expected different jobIds to produce different tokens")
	}
}

func TestGenerateJobTokenDependsOnSecret(t *testing.T) {
	t1 := NewJobTokenSource("secret-1").GenerateJobToken("job-a")
	t2 := NewJobTokenSource("secret-2").GenerateJobToken("job-a")
	if t1 == t2 {
		t.Fatalf("expected different secrets to produce different tokens for the same jobId")
	}
}

func TestSplitLinesDropsEmpty(t *testing.T) {
	out := SplitLines("a\nb\n\nc\r\n")
	want := []string{"a", "b", "c"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestMemoryClientSpawnOneShotSuccess(t *testing.T) {
	c := NewMemoryClient()
	j := job.New("j1", "tok", job.Spec{}, nil, nil)

	info, err := c.SpawnOneShot(context.Background(), j, "http://localhost:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID == "" {
		t.Fatalf("expected a machine id")
	}
	if j.Status() != job.StatusRunning {
		t.Fatalf("expected SpawnOneShot success to call Job.Start, got status %s", j.Status())
	}
}

func TestMemoryClientSpawnOneShotFailure(t *testing.T) {
	c := NewMemoryClient()
	c.SpawnOneShotErr = errors.New("provider unavailable")
	j := job.New("j1", "tok", job.Spec{}, nil, nil)

	_, err := c.SpawnOneShot(context.Background(), j, "http://localhost:8080")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if j.Status() != job.StatusFailed {
		t.Fatalf("expected SpawnOneShot failure to call Job.Fail, got status %s", j.Status())
	}
}

func TestMemoryClientDestroyIdempotent(t *testing.T) {
	c := NewMemoryClient()
	if err := c.Destroy(context.Background(), "never-spawned"); err != nil {
		t.Fatalf("Destroy of an unknown machine must not error, got %v", err)
	}
	if err := c.Destroy(context.Background(), "never-spawned"); err != nil {
		t.Fatalf("Destroy must be idempotent, got %v", err)
	}
}

func TestMemoryClientStreamCommandPrefixesStderr(t *testing.T) {
	c := NewMemoryClient()
	c.ExecFunc = func(machineID, command string) ExecResult {
		return ExecResult{Stdout: "out line", Stderr: "err line", ExitCode: 0}
	}

	var got []string
	res, err := c.StreamCommand(context.Background(), "m1", "echo hi", ExecOptions{}, func(line string) {
		got = append(got, line)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success for exit code 0")
	}
	if len(got) != 2 || got[0] != "out line" || got[1] != StderrPrefix+"err line" {
		t.Fatalf("expected stdout then prefixed stderr, got %v", got)
	}
}
