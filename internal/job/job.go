// Package job implements the Job entity: the unit of work dispatched to a
// one-shot or persistent Machine, its status lifecycle, its log/artifact
// accumulation, and the completion-race plumbing the instance manager races
// against a timeout.
package job

import (
	"sync"
	"time"
)

// Status is a Job's position in its lifecycle DAG: Queued -> Running ->
// {Completed, Failed}. There are no back-edges.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultTimeout is the inactivity budget applied when a Job does not
// specify one.
const DefaultTimeout = 600 * time.Second

// LogLevel mirrors the level field on a log line.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// LogLine is one ordered entry in a Job's log.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Artifact is a named output produced by the agent run. Names are not
// unique — the same artifact name may be reported more than once.
type Artifact struct {
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Type    string    `json:"type,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// OnMessageFunc is invoked for every accepted log line, in arrival order.
type OnMessageFunc func(text string)

// OnCompleteFunc is invoked exactly once, the first time the Job reaches a
// terminal status.
type OnCompleteFunc func(j *Job)

// Spec carries the task definition a Job is created from.
type Spec struct {
	Repo      string
	Branch    string
	Image     string
	Command   string
	ChannelID string
	TimeoutMs int64
}

// Job is the control plane's record of one task run, held entirely in
// process memory — it is never persisted across restarts (see the
// durability non-goal in the module's design documents).
//
// All exported methods are safe for concurrent use: a Job is read and
// mutated from the webhook ingress, the instance manager's command path,
// and the stale reaper simultaneously.
type Job struct {
	mu sync.Mutex

	id        string
	token     string
	status    Status
	repo      string
	branch    string
	image     string
	command   string
	channelID string
	machineID string

	logs      []LogLine
	artifacts []Artifact

	createdAt      time.Time
	startedAt      time.Time
	completedAt    time.Time
	lastActivityAt time.Time

	timeout time.Duration

	exitCode     int
	errorMessage string

	onMessage  OnMessageFunc
	onComplete OnCompleteFunc
	completeOnce sync.Once
}

// New constructs a Queued Job. id and token are assigned by the caller —
// typically the instance manager, which allocates the id and derives the
// token via the Machines Client's GenerateJobToken.
func New(id, token string, spec Spec, onMessage OnMessageFunc, onComplete OnCompleteFunc) *Job {
	timeout := DefaultTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	now := time.Now()
	return &Job{
		id:             id,
		token:          token,
		status:         StatusQueued,
		repo:           spec.Repo,
		branch:         spec.Branch,
		image:          spec.Image,
		command:        spec.Command,
		channelID:      spec.ChannelID,
		createdAt:      now,
		lastActivityAt: now,
		timeout:        timeout,
		onMessage:      onMessage,
		onComplete:     onComplete,
	}
}

// ID returns the Job's opaque identifier.
func (j *Job) ID() string {
	return j.id
}

// Token returns the per-job bearer secret. Callers must never log or
// serialize this value.
func (j *Job) Token() string {
	return j.token
}

// ChannelID returns the chat channel this Job's output is routed to.
func (j *Job) ChannelID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.channelID
}

// Status returns the Job's current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// MachineID returns the Machine bound to this Job once Running, or "".
func (j *Job) MachineID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.machineID
}

// Command returns the agent command this Job was built with.
func (j *Job) Command() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.command
}

// Repo returns the repository this Job operates against, as carried by its Spec.
func (j *Job) Repo() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.repo
}

// Branch returns the branch this Job operates against, as carried by its Spec.
func (j *Job) Branch() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.branch
}

// Start transitions Queued -> Running. It is a no-op if the Job is not
// Queued, since a Job is only ever started once by its owning send path.
func (j *Job) Start(machineID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusQueued {
		return
	}

	now := time.Now()
	j.status = StatusRunning
	j.machineID = machineID
	j.startedAt = now
	j.lastActivityAt = now
}

// Complete transitions Running -> Completed. Idempotent: a second call
// (from a racing timeout or reaper) is a no-op, so the Job's observable
// terminal state is whichever call won the race. Fires onComplete exactly
// once via completeOnce.
func (j *Job) Complete(exitCode int) {
	j.mu.Lock()
	if j.status != StatusRunning {
		j.mu.Unlock()
		return
	}
	j.status = StatusCompleted
	j.exitCode = exitCode
	j.completedAt = time.Now()
	j.mu.Unlock()

	j.fireOnComplete()
}

// Fail transitions Running -> Failed. Idempotent like Complete. A Job may
// also be failed directly from Queued (e.g. a spawn error before the
// Machine ever started).
func (j *Job) Fail(errMsg string, exitCode int) {
	j.mu.Lock()
	if j.status != StatusRunning && j.status != StatusQueued {
		j.mu.Unlock()
		return
	}
	j.status = StatusFailed
	j.errorMessage = errMsg
	j.exitCode = exitCode
	j.completedAt = time.Now()
	j.mu.Unlock()

	j.fireOnComplete()
}

// fireOnComplete invokes the Job's onComplete callback at most once,
// isolating the caller from a panicking callback so a single bad handler
// cannot take down the webhook ingress or the reaper.
func (j *Job) fireOnComplete() {
	j.completeOnce.Do(func() {
		if j.onComplete == nil {
			return
		}
		defer func() {
			_ = recover()
		}()
		j.onComplete(j)
	})
}

// AppendLog records a log line and bumps lastActivityAt, then fires
// onMessage if one is installed. Callback panics are swallowed so a
// misbehaving handler cannot break the webhook response.
func (j *Job) AppendLog(message string, level LogLevel) {
	j.mu.Lock()
	if level == "" {
		level = LevelInfo
	}
	j.logs = append(j.logs, LogLine{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
	j.lastActivityAt = time.Now()
	cb := j.onMessage
	j.mu.Unlock()

	if cb == nil {
		return
	}
	func() {
		defer func() { _ = recover() }()
		cb(message)
	}()
}

// AddArtifact appends an artifact and bumps lastActivityAt. Callers are
// responsible for rejecting artifacts with an empty Name or URL before
// calling this (per the webhook ingress's validation rule).
func (j *Job) AddArtifact(a Artifact) {
	j.mu.Lock()
	defer j.mu.Unlock()
	a.AddedAt = time.Now()
	j.artifacts = append(j.artifacts, a)
	j.lastActivityAt = time.Now()
}

// Touch bumps lastActivityAt without changing status — used for the
// webhook ingress's "running" status event, which spec.md treats as a
// pure keepalive.
func (j *Job) Touch() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastActivityAt = time.Now()
}

// IsTimedOut reports whether the Job is Running and has been inactive for
// longer than its timeout budget.
func (j *Job) IsTimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == StatusRunning && time.Since(j.lastActivityAt) > j.timeout
}

// Duration returns how long the Job ran: from startedAt to completedAt if
// terminal, from startedAt to now if still Running, or zero if it never
// started.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return 0
	}
	if !j.completedAt.IsZero() {
		return j.completedAt.Sub(j.startedAt)
	}
	return time.Since(j.startedAt)
}

// Messages returns a copy of every log line's message text, in arrival
// order — the shape the one-shot send result's "responses" field wants.
func (j *Job) Messages() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.logs))
	for i, l := range j.logs {
		out[i] = l.Message
	}
	return out
}

// Artifacts returns a defensive copy of the artifacts known at call time.
func (j *Job) Artifacts() []Artifact {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Artifact, len(j.artifacts))
	copy(out, j.artifacts)
	return out
}

// ExitCode and ErrorMessage return the terminal outcome fields, valid once
// the Job has reached Completed or Failed.
func (j *Job) ExitCode() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exitCode
}

func (j *Job) ErrorMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errorMessage
}

// Summary is the JSON-serializable projection of a Job used by introspection
// surfaces (the admin API, logs). It deliberately omits the token and both
// callbacks — serialization is for inspection, never for resuming a Job
// after a restart.
type Summary struct {
	ID             string     `json:"jobId"`
	Status         Status     `json:"status"`
	Repo           string     `json:"repo,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	Image          string     `json:"image,omitempty"`
	ChannelID      string     `json:"channelId"`
	MachineID      string     `json:"machineId,omitempty"`
	Logs           []LogLine  `json:"logs"`
	Artifacts      []Artifact `json:"artifacts"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExitCode       int        `json:"exitCode,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Serialize returns the Summary projection of the Job. It never includes
// jobToken, onMessage, or onComplete.
func (j *Job) Serialize() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Summary{
		ID:             j.id,
		Status:         j.status,
		Repo:           j.repo,
		Branch:         j.branch,
		Image:          j.image,
		ChannelID:      j.channelID,
		MachineID:      j.machineID,
		Logs:           append([]LogLine(nil), j.logs...),
		Artifacts:      append([]Artifact(nil), j.artifacts...),
		CreatedAt:      j.createdAt,
		LastActivityAt: j.lastActivityAt,
		ExitCode:       j.exitCode,
		Error:          j.errorMessage,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		s.CompletedAt = &t
	}
	return s
}

// Deserialize rehydrates a Job from a Summary for introspection purposes
// only — the returned Job has no token and no callbacks, and can never be
// fed back into the instance manager's send path.
func Deserialize(s Summary) *Job {
	j := &Job{
		id:             s.ID,
		status:         s.Status,
		repo:           s.Repo,
		branch:         s.Branch,
		image:          s.Image,
		channelID:      s.ChannelID,
		machineID:      s.MachineID,
		logs:           append([]LogLine(nil), s.Logs...),
		artifacts:      append([]Artifact(nil), s.Artifacts...),
		createdAt:      s.CreatedAt,
		lastActivityAt: s.LastActivityAt,
		exitCode:       s.ExitCode,
		errorMessage:   s.Error,
	}
	if s.StartedAt != nil {
		j.startedAt = *s.StartedAt
	}
	if s.CompletedAt != nil {
		j.completedAt = *s.CompletedAt
	}
	return j
}
