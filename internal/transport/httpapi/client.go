// Package httpapi implements the worker's transport contract against the
// serverless control plane's HTTP API: job-take for polling, job-done and
// job-stream for submissions, and an upload endpoint for large payloads.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// Config holds the control plane client configuration.
type Config struct {
	// BaseURL is the control plane root, e.g. https://api.example.com/v2.
	BaseURL string
	// Endpoint is the serverless endpoint id this worker serves.
	Endpoint string
	// APIKey authenticates requests when set.
	APIKey string
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// WorkerID identifies this worker instance in request paths.
	WorkerID string
}

// InFlightFunc reports the number of jobs currently executing, advertised
// to the control plane on every poll.
type InFlightFunc func() int

// Client talks to the control plane over HTTP.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *slog.Logger
	inFlight InFlightFunc
}

// NewClient creates a control plane client. inFlight may be nil.
func NewClient(cfg Config, inFlight InFlightFunc, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		inFlight: inFlight,
	}
}

// FetchJobs polls the job-take endpoint for up to maxCount jobs.
//
// 204 means the queue is empty; 400 is tolerated as empty because the
// control plane returns it while a flash-booted worker is still being
// registered. Both are valid empty responses, not errors.
func (c *Client) FetchJobs(ctx context.Context, maxCount int) ([]*domain.Job, error) {
	url := fmt.Sprintf("%s/%s/job-take/%s?batch_size=%d&job_in_progress=%s",
		c.cfg.BaseURL, c.cfg.Endpoint, c.cfg.WorkerID, maxCount, c.inProgressFlag())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewTerminalTransportError(0, err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewRetryableTransportError(0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusBadRequest:
		c.logger.Debug("Control plane returned 400 on poll, expected during flash boot")
		return nil, nil
	case http.StatusOK:
		// handled below
	default:
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("job-take returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewRetryableTransportError(resp.StatusCode, fmt.Errorf("read job-take response: %w", err))
	}

	jobs, err := decodeJobs(body)
	if err != nil {
		return nil, domain.NewRetryableTransportError(resp.StatusCode, err)
	}

	c.logger.Debug("Jobs fetched",
		slog.Int("count", len(jobs)),
		slog.Int("requested", maxCount),
	)
	return jobs, nil
}

// SubmitResult posts the terminal result to the job-done endpoint.
func (c *Client) SubmitResult(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
	url := fmt.Sprintf("%s/%s/job-done/%s/%s", c.cfg.BaseURL, c.cfg.Endpoint, c.cfg.WorkerID, jobID)
	body, err := json.Marshal(result)
	if err != nil {
		return domain.NewTerminalTransportError(0, fmt.Errorf("marshal result: %w", err))
	}
	return c.post(ctx, url, body)
}

// SubmitPartial posts one stream partial to the job-stream endpoint.
func (c *Client) SubmitPartial(ctx context.Context, jobID string, output json.RawMessage) error {
	url := fmt.Sprintf("%s/%s/job-stream/%s/%s", c.cfg.BaseURL, c.cfg.Endpoint, c.cfg.WorkerID, jobID)
	body, err := json.Marshal(map[string]json.RawMessage{"output": output})
	if err != nil {
		return domain.NewTerminalTransportError(0, fmt.Errorf("marshal partial: %w", err))
	}
	return c.post(ctx, url, body)
}

// Store uploads a large payload and returns the reference the control plane
// hands back. Implements the worker's BlobStore contract.
func (c *Client) Store(ctx context.Context, blob []byte) (string, error) {
	url := fmt.Sprintf("%s/%s/upload/%s", c.cfg.BaseURL, c.cfg.Endpoint, c.cfg.WorkerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload returned status %d", resp.StatusCode)
	}

	var uploaded struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if uploaded.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return uploaded.URL, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.NewTerminalTransportError(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewRetryableTransportError(0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
		// The job id is unknown or already carries a terminal result.
		return domain.ErrAlreadyFinalized
	default:
		return classifyStatus(resp.StatusCode, fmt.Errorf("submission returned status %d", resp.StatusCode))
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *Client) inProgressFlag() string {
	if c.inFlight != nil && c.inFlight() > 0 {
		return "1"
	}
	return "0"
}

// classifyStatus maps an HTTP status to a transport error class. Rate
// limiting and server errors are retryable; auth and client errors are not.
func classifyStatus(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return domain.NewRetryableTransportError(status, err)
	}
	return domain.NewTerminalTransportError(status, err)
}

// decodeJobs accepts either a single job object or an array of jobs; the
// control plane returns an object for batch_size=1 and an array otherwise.
func decodeJobs(body []byte) ([]*domain.Job, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var jobs []*domain.Job
		if err := json.Unmarshal(body, &jobs); err != nil {
			return nil, fmt.Errorf("decode job batch: %w", err)
		}
		return jobs, nil
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return []*domain.Job{&job}, nil
}
