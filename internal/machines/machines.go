// Package machines defines the Machines Client capability: the injected
// interface over a remote Machines provider that spawns, execs, and tears
// down Sprites. The wire format of any concrete provider is deliberately
// out of scope here (spec.md treats it as an external collaborator) — this
// package owns the interface, the per-job token derivation, and a
// reference HTTP implementation good enough to exercise that interface.
package machines

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/open-dispatch/opendispatch/internal/job"
)

// MachineInfo describes a spawned Machine.
type MachineInfo struct {
	ID string
}

// ExecResult is the outcome of a non-streaming Exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// StreamResult is the outcome of StreamCommand.
type StreamResult struct {
	Success  bool
	ExitCode int
}

// ExecOptions carries the optional parameters to Exec/StreamCommand.
type ExecOptions struct {
	Workdir string
	Env     map[string]string
}

// OnOutputFunc receives one already-split line of command output.
// Stderr lines are prefixed with "[stderr] ".
type OnOutputFunc func(line string)

// StderrPrefix is the sentinel StreamCommand prepends to stderr lines so
// callers feeding onOutput straight into a chat relay can tell the streams
// apart without a second channel.
const StderrPrefix = "[stderr] "

// Client is the capability the instance manager drives to spawn and
// control Machines. A concrete implementation talks to the real Machines
// provider API; tests substitute an in-memory fake (see memory.go).
type Client interface {
	// SpawnOneShot creates an ephemeral, auto-destroying Machine configured
	// to run j's command and report back to the webhook ingress. On
	// success it calls j.Start(info.ID) before returning. On failure it
	// calls j.Fail(err.Error(), 1) before returning the error — callers
	// must not also fail the Job themselves.
	SpawnOneShot(ctx context.Context, j *job.Job, webhookURL string) (MachineInfo, error)

	// SpawnPersistent creates a long-lived Machine that accepts multiple
	// Exec/StreamCommand calls and is not auto-destroyed.
	SpawnPersistent(ctx context.Context, spec PersistentSpec) (MachineInfo, error)

	// Stop requests a graceful stop of the Machine. Best-effort: callers
	// must not fail an operation solely because Stop returned an error.
	Stop(ctx context.Context, machineID string) error

	// Destroy tears a Machine down permanently. A 404 (already gone) MUST
	// be treated as success by the implementation, never surfaced as an
	// error — destroy is idempotent.
	Destroy(ctx context.Context, machineID string) error

	// Wake ensures a (possibly suspended) persistent Machine is ready to
	// accept Exec calls.
	Wake(ctx context.Context, machineID string) error

	// Exec runs command on machineID and returns its full output. Exec is
	// not a streaming API — higher layers split stdout/stderr on newlines
	// themselves if they want an onMessage-style feed.
	Exec(ctx context.Context, machineID, command string, opts ExecOptions) (ExecResult, error)

	// StreamCommand is a convenience over Wake+Exec that emits each
	// non-empty output line to onOutput as it becomes available in the
	// returned result, with stderr lines prefixed by StderrPrefix.
	StreamCommand(ctx context.Context, machineID, command string, opts ExecOptions, onOutput OnOutputFunc) (StreamResult, error)
}

// PersistentSpec carries the parameters for SpawnPersistent.
type PersistentSpec struct {
	Repo   string
	Branch string
	Image  string
	Env    map[string]string
}

// JobTokenSource derives deterministic per-job bearer tokens. It is kept
// separate from the Client interface because the token must be derivable
// (and verifiable, by the webhook ingress) without a network round trip.
type JobTokenSource struct {
	secret []byte
}

// NewJobTokenSource builds a JobTokenSource from the process-wide secret.
// The secret is typically JOB_TOKEN_SECRET, or a freshly generated value
// at boot if that env var is unset (per spec.md §6) — either way, the
// same secret always derives the same token for a given jobId.
func NewJobTokenSource(secret string) *JobTokenSource {
	return &JobTokenSource{secret: []byte(secret)}
}

// GenerateJobToken returns a token that is a pure function of
// (secret, jobId): an HMAC-SHA256 keyed PRF over the jobId, hex-encoded.
// Restarting the process with the same secret
// regenerates the same token for the same jobId.
func (s *JobTokenSource) GenerateJobToken(jobID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// SplitLines splits Exec output into non-empty lines, trimming trailing
// carriage returns. Shared by StreamCommand implementations so stdout and
// stderr are tokenized identically.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSuffix(l, "\r")
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}
