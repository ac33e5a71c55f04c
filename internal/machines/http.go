package machines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/job"
)

// HTTPClient is a reference Client implementation over a JSON/HTTP
// Machines provider API. The exact wire shape of a real provider is an
// external collaborator (spec.md §1); this implementation defines a
// reasonable JSON envelope so the capability interface has one concrete,
// network-speaking implementation alongside the in-memory fake.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPClient builds an HTTPClient. baseURL points at the Machines
// provider API; apiKey is sent as a Bearer credential on every request.
func NewHTTPClient(baseURL, apiKey string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type spawnRequest struct {
	Env         map[string]string `json:"env"`
	Repo        string            `json:"repo,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Image       string            `json:"image,omitempty"`
	Command     string            `json:"command,omitempty"`
	AutoDestroy bool              `json:"autoDestroy"`
	Restart     string            `json:"restart"`
}

type spawnResponse struct {
	ID string `json:"id"`
}

// SpawnOneShot implements Client. Configures auto_destroy=true,
// restart=no, and an env block carrying the reporter's required
// identifiers, per spec.md §4.3.
func (c *HTTPClient) SpawnOneShot(ctx context.Context, j *job.Job, webhookURL string) (MachineInfo, error) {
	env := map[string]string{
		"JOB_ID":            j.ID(),
		"JOB_TOKEN":         j.Token(),
		"OPEN_DISPATCH_URL": webhookURL,
		"REPO":              j.Repo(),
		"BRANCH":            j.Branch(),
		"COMMAND":           j.Command(),
	}

	info, err := c.spawn(ctx, spawnRequest{
		Env:         env,
		Repo:        j.Repo(),
		Branch:      j.Branch(),
		Command:     j.Command(),
		AutoDestroy: true,
		Restart:     "no",
	})
	if err != nil {
		j.Fail(err.Error(), 1)
		return MachineInfo{}, err
	}
	j.Start(info.ID)
	return info, nil
}

// SpawnPersistent implements Client. Configures auto_destroy=false,
// restart=always.
func (c *HTTPClient) SpawnPersistent(ctx context.Context, spec PersistentSpec) (MachineInfo, error) {
	return c.spawn(ctx, spawnRequest{
		Env:         spec.Env,
		Repo:        spec.Repo,
		Branch:      spec.Branch,
		Image:       spec.Image,
		AutoDestroy: false,
		Restart:     "always",
	})
}

func (c *HTTPClient) spawn(ctx context.Context, req spawnRequest) (MachineInfo, error) {
	var resp spawnResponse
	if err := c.doJSON(ctx, http.MethodPost, "/machines", req, &resp); err != nil {
		return MachineInfo{}, fmt.Errorf("machines: spawn: %w", err)
	}
	return MachineInfo{ID: resp.ID}, nil
}

// Stop implements Client.
func (c *HTTPClient) Stop(ctx context.Context, machineID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/machines/"+machineID+"/stop", nil, nil); err != nil {
		c.log.Warn("machines: stop failed", zap.String("machine_id", machineID), zap.Error(err))
		return err
	}
	return nil
}

// Destroy implements Client. A 404 is treated as success — the Machine is
// already gone, which is the caller's desired end state.
func (c *HTTPClient) Destroy(ctx context.Context, machineID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/machines/"+machineID, nil, nil)
	if err == nil {
		return nil
	}
	if he, ok := err.(*httpStatusError); ok && he.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Wake implements Client.
func (c *HTTPClient) Wake(ctx context.Context, machineID string) error {
	return c.doJSON(ctx, http.MethodPost, "/machines/"+machineID+"/wake", nil, nil)
}

type execRequest struct {
	Command string            `json:"command"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Exec implements Client.
func (c *HTTPClient) Exec(ctx context.Context, machineID, command string, opts ExecOptions) (ExecResult, error) {
	var resp execResponse
	req := execRequest{Command: command, Workdir: opts.Workdir, Env: opts.Env}
	if err := c.doJSON(ctx, http.MethodPost, "/machines/"+machineID+"/exec", req, &resp); err != nil {
		return ExecResult{}, fmt.Errorf("machines: exec: %w", err)
	}
	return ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

// StreamCommand implements Client as a convenience wrapper over Wake+Exec:
// it is not a true streaming API, since the provider's Exec call is
// request/response, but it presents a streaming-shaped callback so callers
// don't need to special-case persistent sends.
func (c *HTTPClient) StreamCommand(ctx context.Context, machineID, command string, opts ExecOptions, onOutput OnOutputFunc) (StreamResult, error) {
	if err := c.Wake(ctx, machineID); err != nil {
		return StreamResult{}, fmt.Errorf("machines: wake before stream: %w", err)
	}
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

// httpStatusError carries the provider's HTTP status code so callers (like
// Destroy) can special-case specific codes without string-matching errors.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("machines: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("machines: encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("machines: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "opendispatch-machines-client/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("machines: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("machines: decoding response: %w", err)
	}
	return nil
}
