// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is a Go client for the durable REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a durable server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Run mirrors the server's run representation.
type Run struct {
	ID               string            `json:"id"`
	WorkflowName     string            `json:"workflow_name"`
	Status           string            `json:"status"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	Input            map[string]any    `json:"input,omitempty"`
	Result           any               `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ParentRunID      string            `json:"parent_run_id,omitempty"`
	NestingDepth     int               `json:"nesting_depth"`
	RecoveryAttempts int               `json:"recovery_attempts"`
	ContinuedFrom    string            `json:"continued_from,omitempty"`
	ContinuedTo      string            `json:"continued_to,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// Event mirrors one entry of a run's event log.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Step mirrors a step execution record.
type Step struct {
	StepID     string         `json:"step_id"`
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Attempt    int            `json:"attempt"`
	MaxRetries int            `json:"max_retries"`
	Input      map[string]any `json:"input,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// WorkflowInfo describes a registered workflow.
type WorkflowInfo struct {
	Name   string  `json:"name"`
	Params []Param `json:"params,omitempty"`
}

// Param describes one workflow input parameter.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Schedule mirrors a persisted schedule.
type Schedule struct {
	Name         string         `json:"name"`
	WorkflowName string         `json:"workflow_name"`
	Cron         string         `json:"cron,omitempty"`
	Every        time.Duration  `json:"every,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Enabled      bool           `json:"enabled"`
	LastFiredAt  *time.Time     `json:"last_fired_at,omitempty"`
	NextFireAt   *time.Time     `json:"next_fire_at,omitempty"`
}

// Health reports server and storage health.
type Health struct {
	Status         string `json:"status"`
	StorageHealthy bool   `json:"storage_healthy"`
}

// StartRunRequest starts a new workflow run.
type StartRunRequest struct {
	Workflow       string            `json:"workflow"`
	Input          map[string]any    `json:"input,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	MaxDuration    string            `json:"max_duration,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ListRunsOptions filter a run listing. Zero values are omitted.
type ListRunsOptions struct {
	Workflow string
	Status   string
	Limit    int
	Offset   int
}

// Health returns server health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkflows returns the workflows registered on the server.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowInfo, error) {
	var out struct {
		Workflows []WorkflowInfo `json:"workflows"`
	}
	if err := c.get(ctx, "/v1/workflows", &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// StartRun starts a run and returns its initial record.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var out Run
	if err := c.post(ctx, "/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var out Run
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns lists runs matching opts.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]*Run, error) {
	q := url.Values{}
	if opts.Workflow != "" {
		q.Set("workflow", opts.Workflow)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Runs []*Run `json:"runs"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// ListEvents returns a run's event log in sequence order.
func (c *Client) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	var out struct {
		Events []*Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/events", &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// ListSteps returns a run's step execution records.
func (c *Client) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	var out struct {
		Steps []*Step `json:"steps"`
	}
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/steps", &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// ListChildren returns a run's direct child runs.
func (c *Client) ListChildren(ctx context.Context, runID string) ([]*Run, error) {
	var out struct {
		Children []*Run `json:"children"`
	}
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID)+"/children", &out); err != nil {
		return nil, err
	}
	return out.Children, nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, runID, reason string) (*Run, error) {
	var out Run
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/cancel", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeRun re-enqueues a tick for a suspended or interrupted run.
func (c *Client) ResumeRun(ctx context.Context, runID string) (*Run, error) {
	var out Run
	if err := c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignalHook delivers a payload to a run's named hook.
func (c *Client) SignalHook(ctx context.Context, runID, hook string, payload map[string]any) error {
	path := "/v1/hooks/" + url.PathEscape(runID) + "/" + url.PathEscape(hook)
	return c.post(ctx, path, payload, nil)
}

// SignalHookByToken delivers a payload using a hook's opaque token.
func (c *Client) SignalHookByToken(ctx context.Context, token string, payload map[string]any) error {
	return c.post(ctx, "/v1/hooks/token/"+url.PathEscape(token), payload, nil)
}

// ListSchedules returns the persisted schedules.
func (c *Client) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	var out struct {
		Schedules []*Schedule `json:"schedules"`
	}
	if err := c.get(ctx, "/v1/schedules", &out); err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: decodeErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(data)
}
