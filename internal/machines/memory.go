package machines

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/open-dispatch/opendispatch/internal/job"
)

// MemoryClient is an in-memory Client substitute for tests and local
// development. It never talks to a network; Exec/StreamCommand return
// canned output installed via ExecFunc, and spawn failures are triggered
// via SpawnOneShotErr/SpawnPersistentErr.
type MemoryClient struct {
	mu sync.Mutex

	seq int64

	// SpawnOneShotErr, when non-nil, makes the next SpawnOneShot call fail
	// with this error instead of succeeding.
	SpawnOneShotErr error

	// SpawnPersistentErr, when non-nil, makes the next SpawnPersistent
	// call fail with this error.
	SpawnPersistentErr error

	// ExecFunc, when set, is called by Exec/StreamCommand to produce
	// output instead of the zero-value ExecResult.
	ExecFunc func(machineID, command string) ExecResult

	destroyed map[string]bool
	stopped   map[string]bool
}

// NewMemoryClient returns a ready-to-use MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		destroyed: make(map[string]bool),
		stopped:   make(map[string]bool),
	}
}

func (c *MemoryClient) nextID(prefix string) string {
	n := atomic.AddInt64(&c.seq, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

// SpawnOneShot implements Client.
func (c *MemoryClient) SpawnOneShot(ctx context.Context, j *job.Job, webhookURL string) (MachineInfo, error) {
	if c.SpawnOneShotErr != nil {
		err := c.SpawnOneShotErr
		c.SpawnOneShotErr = nil
		j.Fail(err.Error(), 1)
		return MachineInfo{}, err
	}
	info := MachineInfo{ID: c.nextID("m")}
	j.Start(info.ID)
	return info, nil
}

// SpawnPersistent implements Client.
func (c *MemoryClient) SpawnPersistent(ctx context.Context, spec PersistentSpec) (MachineInfo, error) {
	if c.SpawnPersistentErr != nil {
		err := c.SpawnPersistentErr
		c.SpawnPersistentErr = nil
		return MachineInfo{}, err
	}
	return MachineInfo{ID: c.nextID("sprite")}, nil
}

// Stop implements Client.
func (c *MemoryClient) Stop(ctx context.Context, machineID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped[machineID] = true
	return nil
}

// Destroy implements Client. Idempotent: destroying an already-destroyed
// (or never-spawned) machine is not an error.
func (c *MemoryClient) Destroy(ctx context.Context, machineID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed[machineID] = true
	return nil
}

// Wake implements Client.
func (c *MemoryClient) Wake(ctx context.Context, machineID string) error {
	return nil
}

// Exec implements Client.
func (c *MemoryClient) Exec(ctx context.Context, machineID, command string, opts ExecOptions) (ExecResult, error) {
	if c.ExecFunc != nil {
		return c.ExecFunc(machineID, command), nil
	}
	return ExecResult{}, nil
}

// StreamCommand implements Client by running Exec and replaying its
// output line-by-line through onOutput, stderr lines prefixed with
// StderrPrefix, matching the real client's contract.
func (c *MemoryClient) StreamCommand(ctx context.Context, machineID, command string, opts ExecOptions, onOutput OnOutputFunc) (StreamResult, error) {
	res, err := c.Exec(ctx, machineID, command, opts)
	if err != nil {
		return StreamResult{}, err
	}
	if onOutput != nil {
		for _, line := range SplitLines(res.Stdout) {
			onOutput(line)
		}
		for _, line := range SplitLines(res.Stderr) {
			onOutput(StderrPrefix + line)
		}
	}
	return StreamResult{Success: res.ExitCode == 0, ExitCode: res.ExitCode}, nil
}

// IsDestroyed reports whether Destroy was called for machineID. Test helper.
func (c *MemoryClient) IsDestroyed(machineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed[machineID]
}

// IsStopped reports whether Stop was called for machineID. Test helper.
func (c *MemoryClient) IsStopped(machineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped[machineID]
}
