// Package instancemanager implements the orchestrator: the component that
// binds chat channels to agent instances, spawns Machines per task via the
// injected Machines Client, and races each one-shot Job's completion
// against a timeout. It owns the only two pieces of shared mutable state
// in the core — the instances and jobs registries — behind a single mutex,
// per the module's concurrency design (sharded locking is overkill at
// operator scale).
package instancemanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/commandbuilder"
	"github.com/open-dispatch/opendispatch/internal/job"
	"github.com/open-dispatch/opendispatch/internal/machines"
	"github.com/open-dispatch/opendispatch/internal/metrics"
)

// DefaultCleanupDelay is the post-terminal grace window a one-shot Job is
// retained in the registry so late reporter traffic still authenticates.
const DefaultCleanupDelay = 30 * time.Second

// DefaultReaperInterval is the stale reaper's sweep period.
const DefaultReaperInterval = 60 * time.Second

// instanceNamePrefix is prepended to auto-generated instance names.
const instanceNamePrefix = "inst"

// Instance is a channel<->agent binding: either a persistent Machine that
// accepts repeated sends, or a placeholder that spawns a fresh one-shot
// Machine on every send.
type Instance struct {
	ID           string
	SessionID    string
	ChannelID    string
	ProjectDir   string
	Repo         string
	MessageCount int
	Persistent   bool
	SpriteID     string
	CurrentJob   *job.Job
	StartedAt    time.Time
}

// Publisher emits real-time job events for introspection, typically backed
// by the websocket hub (spec.md §4.6). It is orthogonal to SendOptions.
// OnMessage, which carries output back to the originating chat channel —
// Publisher instead powers the admin API's live log relay, so an operator
// watching a job in the browser sees the same lines as the chat platform.
type Publisher interface {
	PublishJobLog(jobID, line string)
	PublishJobStatus(jobID string, status job.Status, exitCode int)
}

// noopPublisher is the default Publisher when none is configured, e.g. in
// tests that don't exercise the admin API's live relay.
type noopPublisher struct{}

func (noopPublisher) PublishJobLog(jobID, line string)                          {}
func (noopPublisher) PublishJobStatus(jobID string, status job.Status, exitCode int) {}

// Config configures a Manager.
type Config struct {
	Machines       machines.Client
	Tokens         *machines.JobTokenSource
	Logger         *zap.Logger
	WebhookBaseURL string
	CleanupDelay   time.Duration
	DefaultTimeout time.Duration
	ReaperInterval time.Duration
	Publisher      Publisher
}

// Manager is the Instance Manager (C5). All its public operations are safe
// for concurrent use.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance
	jobs      map[string]*job.Job

	cleanupTimers map[string]*time.Timer

	machines       machines.Client
	tokens         *machines.JobTokenSource
	log            *zap.Logger
	webhookBaseURL string
	cleanupDelay   time.Duration
	defaultTimeout time.Duration
	reaperInterval time.Duration
	publisher      Publisher
}

// New builds a Manager. Call Stop when the process shuts down to cancel
// outstanding timers and the reaper.
func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cleanupDelay := cfg.CleanupDelay
	if cleanupDelay <= 0 {
		cleanupDelay = DefaultCleanupDelay
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = job.DefaultTimeout
	}
	reaperInterval := cfg.ReaperInterval
	if reaperInterval <= 0 {
		reaperInterval = DefaultReaperInterval
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}

	m := &Manager{
		instances:      make(map[string]*Instance),
		jobs:           make(map[string]*job.Job),
		cleanupTimers:  make(map[string]*time.Timer),
		machines:       cfg.Machines,
		tokens:         cfg.Tokens,
		log:            log.Named("instancemanager"),
		webhookBaseURL: cfg.WebhookBaseURL,
		cleanupDelay:   cleanupDelay,
		defaultTimeout: defaultTimeout,
		reaperInterval: reaperInterval,
		publisher:      publisher,
	}
	return m
}

// StartOptions carries the optional parameters to StartInstance.
type StartOptions struct {
	Persistent bool
	Image      string
	Branch     string
}

// StartResult is the outcome of StartInstance.
type StartResult struct {
	Success    bool
	InstanceID string
	SessionID  string
	SpriteID   string
	Persistent bool
	Error      string
}

// StartInstance registers a new Instance under instanceId, bound to
// channelId. It fails if instanceId is already present. If persistent, it
// spawns a long-lived Machine synchronously; on spawn failure the instance
// is removed and the error propagated.
func (m *Manager) StartInstance(ctx context.Context, instanceID, projectDir, channelID string, opts StartOptions) StartResult {
	if instanceID == "" {
		instanceID = m.generateInstanceName()
	}

	m.mu.Lock()
	if _, exists := m.instances[instanceID]; exists {
		m.mu.Unlock()
		return StartResult{Error: fmt.Sprintf("instance %q already exists", instanceID)}
	}
	sessionID := uuid.NewString()
	inst := &Instance{
		ID:         instanceID,
		SessionID:  sessionID,
		ChannelID:  channelID,
		ProjectDir: projectDir,
		Repo:       projectDir,
		Persistent: opts.Persistent,
		StartedAt:  time.Now(),
	}
	m.instances[instanceID] = inst
	m.syncInstanceGauge()
	m.mu.Unlock()

	if !opts.Persistent {
		return StartResult{Success: true, InstanceID: instanceID, SessionID: sessionID}
	}

	info, err := m.machines.SpawnPersistent(ctx, machines.PersistentSpec{
		Repo:   projectDir,
		Branch: opts.Branch,
		Image:  opts.Image,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.instances, instanceID)
		m.syncInstanceGauge()
		m.mu.Unlock()
		return StartResult{Error: err.Error()}
	}

	m.mu.Lock()
	inst.SpriteID = info.ID
	m.mu.Unlock()

	return StartResult{Success: true, InstanceID: instanceID, SessionID: sessionID, SpriteID: info.ID, Persistent: true}
}

// generateInstanceName produces a short, collision-resistant default name:
// a stable prefix plus 2 bytes of hex-encoded entropy, per spec.md §4.5.2.
// The name space is per-process; StartInstance itself rejects a collision
// against an already-running instance, so a retry loop here only guards
// against the vanishingly unlikely case of a direct clash.
func (m *Manager) generateInstanceName() string {
	for {
		var b [2]byte
		_, _ = rand.Read(b[:])
		name := fmt.Sprintf("%s-%s", instanceNamePrefix, hex.EncodeToString(b[:]))
		m.mu.Lock()
		_, exists := m.instances[name]
		m.mu.Unlock()
		if !exists {
			return name
		}
	}
}

// StopInstance best-effort stops the instance's backing Machine(s) and
// removes it from the registry. Errors from Machines.Stop never fail the
// operation — the stale reaper guarantees eventual convergence regardless.
func (m *Manager) StopInstance(ctx context.Context, instanceID string) (success bool, err error) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("instance %q not found", instanceID)
	}
	spriteID := inst.SpriteID
	var currentJobMachineID string
	if inst.CurrentJob != nil {
		currentJobMachineID = inst.CurrentJob.MachineID()
	}
	delete(m.instances, instanceID)
	m.syncInstanceGauge()
	m.mu.Unlock()

	if spriteID != "" {
		if stopErr := m.machines.Stop(ctx, spriteID); stopErr != nil {
			m.log.Warn("best-effort stop of persistent machine failed", zap.String("instance_id", instanceID), zap.Error(stopErr))
		}
	}
	if currentJobMachineID != "" && currentJobMachineID != spriteID {
		if stopErr := m.machines.Stop(ctx, currentJobMachineID); stopErr != nil {
			m.log.Warn("best-effort stop of in-flight job machine failed", zap.String("instance_id", instanceID), zap.Error(stopErr))
		}
	}

	return true, nil
}

// GetInstance returns the instance named instanceID, if any.
func (m *Manager) GetInstance(instanceID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	return inst, ok
}

// GetInstanceByChannel linearly scans for an instance bound to channelID.
// Cardinality is small at operator scale, so this trades a secondary index
// for simplicity, matching the module's concurrency design notes.
func (m *Manager) GetInstanceByChannel(channelID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ChannelID == channelID {
			return inst, true
		}
	}
	return nil, false
}

// ListInstances returns a defensive-copy snapshot of every instance.
func (m *Manager) ListInstances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// GetJob implements webhook.JobStore and is used directly by the webhook
// ingress to look up and authenticate against a Job.
func (m *Manager) GetJob(jobID string) (*job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok
}

// ListJobs returns a fresh slice of every job currently in the registry
// (including ones in their post-terminal grace window). The slice is a
// snapshot; the *job.Job values in it are the shared, internally
// synchronized Jobs themselves, not copies.
func (m *Manager) ListJobs() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// JobCount returns the number of jobs currently in the registry, for the
// webhook ingress's /health endpoint.
func (m *Manager) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// SendOptions carries the optional parameters to SendToInstance.
type SendOptions struct {
	OnMessage job.OnMessageFunc
	Repo      string
	Branch    string
	Image     string
	TimeoutMs int64
}

// SendResult is the outcome of SendToInstance, covering both the one-shot
// and persistent paths.
type SendResult struct {
	Success    bool
	Responses  []string
	Artifacts  []job.Artifact
	JobID      string
	ExitCode   int
	Error      string
	Streamed   bool
	Persistent bool
}

// SendToInstance dispatches message to the agent bound to instanceID,
// delegating to the persistent or one-shot path depending on how the
// instance was started.
func (m *Manager) SendToInstance(ctx context.Context, instanceID, message string, opts SendOptions) SendResult {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if ok {
		inst.MessageCount++
	}
	m.mu.Unlock()
	if !ok {
		return SendResult{Success: false, Error: "not found"}
	}

	if inst.Persistent {
		return m.sendPersistent(ctx, inst, message, opts)
	}
	return m.sendOneShot(ctx, inst, message, opts)
}

// buildAgentCommand composes the shell command for message using the
// instance's session id, via the Agent Command Builder (C2).
func buildAgentCommand(inst *Instance, message string) string {
	return commandbuilder.Build(commandbuilder.BuildOptions{
		Agent:     commandbuilder.AgentClaude,
		SessionID: inst.SessionID,
		Message:   message,
	})
}

// setCurrentJob records jobID as the instance's in-flight job. It is a
// no-op if the instance has meanwhile been removed (e.g. a racing
// StopInstance).
func (m *Manager) setCurrentJob(instanceID string, j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[instanceID]; ok {
		inst.CurrentJob = j
	}
}

// clearCurrentJobIfMatch clears inst.CurrentJob iff it still references
// jobID, so a stale completion from an already-superseded job can never
// clobber a newer one. Shared by the one-shot completion path, the
// persistent path, and the reaper.
func (m *Manager) clearCurrentJobIfMatch(instanceID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok || inst.CurrentJob == nil {
		return
	}
	if inst.CurrentJob.ID() == jobID {
		inst.CurrentJob = nil
	}
}

// syncInstanceGauge publishes the current instance count to the
// active-instances gauge. Callers must hold m.mu.
func (m *Manager) syncInstanceGauge() {
	metrics.ActiveInstances.Set(float64(len(m.instances)))
}

// syncJobGauge publishes the current job-registry size to the
// in-flight-jobs gauge. Callers must hold m.mu.
func (m *Manager) syncJobGauge() {
	metrics.InFlightJobs.Set(float64(len(m.jobs)))
}

// registerJob adds j to the shared jobs registry.
func (m *Manager) registerJob(j *job.Job) {
	m.mu.Lock()
	m.jobs[j.ID()] = j
	m.syncJobGauge()
	m.mu.Unlock()
}

// scheduleCleanup removes jobID from the registry after the manager's
// grace window, so late reporter webhooks keep authenticating for a while
// after a terminal status. The timer is stopped by Manager.Stop on process
// shutdown so it never keeps the process alive.
func (m *Manager) scheduleCleanup(jobID string) {
	var t *time.Timer
	t = time.AfterFunc(m.cleanupDelay, func() {
		m.mu.Lock()
		delete(m.jobs, jobID)
		delete(m.cleanupTimers, jobID)
		m.syncJobGauge()
		m.mu.Unlock()
	})
	m.mu.Lock()
	m.cleanupTimers[jobID] = t
	m.mu.Unlock()
}

// sendOneShot implements the one-shot send path (spec.md §4.5.4): a single
// Job raced to completion by exactly one of {webhook-terminal, timeout,
// spawn-error}. The completion channel plus sync.Once is the Go-idiomatic
// replacement for the source material's closure-captured "resolved" latch
// (see SPEC_FULL.md §5) — Job.Complete/Job.Fail's own idempotency means at
// most one terminal transition ever happens, and the Once below guarantees
// at most one send into the result channel even if onComplete somehow ran
// twice.
func (m *Manager) sendOneShot(ctx context.Context, inst *Instance, message string, opts SendOptions) SendResult {
	start := time.Now()
	defer func() {
		metrics.OneShotJobDuration.Observe(time.Since(start).Seconds())
	}()

	jobID := uuid.NewString()
	token := m.tokens.GenerateJobToken(jobID)

	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = m.defaultTimeout.Milliseconds()
	}

	resultCh := make(chan SendResult, 1)
	var once sync.Once

	spec := job.Spec{
		Repo:      firstNonEmpty(opts.Repo, inst.Repo),
		Branch:    opts.Branch,
		Image:     opts.Image,
		Command:   buildAgentCommand(inst, message),
		ChannelID: inst.ChannelID,
		TimeoutMs: timeoutMs,
	}

	onMessage := func(line string) {
		if m.publisher != nil {
			m.publisher.PublishJobLog(jobID, line)
		}
		if opts.OnMessage != nil {
			opts.OnMessage(line)
		}
	}

	onComplete := func(j *job.Job) {
		if m.publisher != nil {
			m.publisher.PublishJobStatus(j.ID(), j.Status(), j.ExitCode())
		}
		once.Do(func() {
			m.clearCurrentJobIfMatch(inst.ID, j.ID())
			m.scheduleCleanup(j.ID())
			resultCh <- SendResult{
				Success:   j.Status() == job.StatusCompleted,
				Responses: j.Messages(),
				Artifacts: j.Artifacts(),
				JobID:     j.ID(),
				ExitCode:  j.ExitCode(),
				Error:     j.ErrorMessage(),
				Streamed:  true,
			}
		})
	}

	j := job.New(jobID, token, spec, onMessage, onComplete)
	m.registerJob(j)
	m.setCurrentJob(inst.ID, j)

	info, err := m.machines.SpawnOneShot(ctx, j, m.webhookBaseURL)
	if err != nil {
		// SpawnOneShot has already called j.Fail on the error path (per the
		// Machines Client contract), which has already fired onComplete
		// through the Once above — but Job.Fail is a no-op unless the Job
		// was Queued or Running, and a job created via job.New starts
		// Queued, so this always fires. Consume it synchronously instead
		// of waiting on resultCh, since no timer was ever armed.
		m.clearCurrentJobIfMatch(inst.ID, jobID)
		return SendResult{Success: false, Error: err.Error(), JobID: jobID}
	}
	_ = info

	if onMessage != nil {
		onMessage("Job started")
	}

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res
	case <-timer.C:
		// Fail runs outside the Once: it fires onComplete, which itself
		// enters the Once and delivers the timed-out result into resultCh.
		// If the webhook already drove the Job terminal, Fail is a no-op.
		j.Fail("Job timed out", 0)
		var res SendResult
		once.Do(func() {
			m.clearCurrentJobIfMatch(inst.ID, jobID)
			m.scheduleCleanup(jobID)
			res = SendResult{
				Success:   false,
				Error:     "Job timed out",
				JobID:     jobID,
				Responses: j.Messages(),
				Artifacts: j.Artifacts(),
			}
		})
		if res.JobID == "" {
			// onComplete already delivered the outcome (the timeout, or the
			// webhook's if it won the race); drain it.
			res = <-resultCh
		}
		return res
	}
}

// sendPersistent implements the persistent send path (spec.md §4.5.3):
// build the agent command, mark a Job Running against the instance's
// already-live Machine, stream its output through Machines.StreamCommand,
// and clear instance.currentJob on every exit path.
func (m *Manager) sendPersistent(ctx context.Context, inst *Instance, message string, opts SendOptions) SendResult {
	jobID := uuid.NewString()
	token := m.tokens.GenerateJobToken(jobID)

	spec := job.Spec{
		Repo:      firstNonEmpty(opts.Repo, inst.Repo),
		Branch:    opts.Branch,
		Image:     opts.Image,
		Command:   buildAgentCommand(inst, message),
		ChannelID: inst.ChannelID,
		TimeoutMs: opts.TimeoutMs,
	}

	j := job.New(jobID, token, spec, nil, nil)
	m.registerJob(j)
	m.setCurrentJob(inst.ID, j)
	j.Start(inst.SpriteID)

	defer func() {
		m.clearCurrentJobIfMatch(inst.ID, jobID)
		m.scheduleCleanup(jobID)
	}()

	onOutput := func(line string) {
		j.AppendLog(line, job.LevelInfo)
		if m.publisher != nil {
			m.publisher.PublishJobLog(jobID, line)
		}
		if opts.OnMessage != nil {
			opts.OnMessage(line)
		}
	}

	streamResult, err := m.machines.StreamCommand(ctx, inst.SpriteID, j.Command(), machines.ExecOptions{}, onOutput)
	if err != nil {
		j.Fail(err.Error(), 1)
		return SendResult{
			Success:    false,
			Error:      err.Error(),
			JobID:      jobID,
			Responses:  j.Messages(),
			Persistent: true,
		}
	}

	if streamResult.Success {
		j.Complete(streamResult.ExitCode)
	} else {
		j.Fail("agent exited non-zero", streamResult.ExitCode)
	}
	if m.publisher != nil {
		m.publisher.PublishJobStatus(j.ID(), j.Status(), streamResult.ExitCode)
	}

	return SendResult{
		Success:    streamResult.Success,
		Responses:  j.Messages(),
		Artifacts:  j.Artifacts(),
		JobID:      jobID,
		ExitCode:   streamResult.ExitCode,
		Streamed:   true,
		Persistent: true,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ReaperInterval returns the configured period between stale-job sweeps.
// The process shell reads this when it schedules Sweep on the gocron
// scheduler, so the interval stays defined in one place.
func (m *Manager) ReaperInterval() time.Duration {
	return m.reaperInterval
}

// Sweep walks the jobs registry once, failing and evicting every Job whose
// inactivity exceeds its timeout. It tolerates concurrent webhook arrivals:
// Job.Fail's idempotency (spec.md §4.1) means a Job that completes via
// webhook in between IsTimedOut's check and Fail's call simply ignores the
// reaper's attempt. Called periodically by the scheduler (spec.md §4.5.5).
func (m *Manager) Sweep() {
	m.mu.Lock()
	stale := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.IsTimedOut() {
			stale = append(stale, j)
		}
	}
	m.mu.Unlock()

	for _, j := range stale {
		j.Fail("Job timed out (stale reaper)", 0)

		m.mu.Lock()
		for _, inst := range m.instances {
			if inst.CurrentJob != nil && inst.CurrentJob.ID() == j.ID() {
				inst.CurrentJob = nil
			}
		}
		delete(m.jobs, j.ID())
		if t, ok := m.cleanupTimers[j.ID()]; ok {
			t.Stop()
			delete(m.cleanupTimers, j.ID())
		}
		m.syncJobGauge()
		m.mu.Unlock()

		if machineID := j.MachineID(); machineID != "" {
			if err := m.machines.Destroy(context.Background(), machineID); err != nil {
				m.log.Warn("stale reaper: best-effort destroy failed", zap.String("job_id", j.ID()), zap.Error(err))
			}
		}
	}
}

// Stop cancels every outstanding cleanup timer so the instance manager
// never keeps the process alive past shutdown. The stale reaper's own
// scheduler is stopped separately by its owner.
func (m *Manager) Stop() {
	m.mu.Lock()
	for id, t := range m.cleanupTimers {
		t.Stop()
		delete(m.cleanupTimers, id)
	}
	m.mu.Unlock()
}
