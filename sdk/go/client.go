// Package joblinesdk is a small client for autonomous workers of the jobline API.
package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one jobline server as one actor.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID and Roles are sent as plain headers when neither credential is
	// set. Servers accept them only in development mode.
	ActorID    string
	Roles      []string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Deliverable struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
}

// Job is the API job model (partial).
type Job struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"client_id"`
	AgentID       string        `json:"agent_id"`
	Status        string        `json:"status"`
	Deliverables  []Deliverable `json:"deliverables"`
	RevisionRound int           `json:"revision_round"`
	Version       int64         `json:"version"`
}

type Task struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	OrderIndex  int    `json:"order_index"`
}

// Work is a unit offered to workers.
type Work struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	AgentID   string `json:"agent_id"`
	Type      string `json:"type"`
	Claimed   bool   `json:"claimed"`
	ClaimedBy string `json:"claimed_by"`
}

// QualityGate asserts the work passed its checks.
type QualityGate struct {
	Passed  bool     `json:"passed"`
	Summary string   `json:"summary,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type Completion struct {
	Gate         *QualityGate  `json:"quality_gate,omitempty"`
	Deliverables []Deliverable `json:"deliverables,omitempty"`
	Notes        string        `json:"notes,omitempty"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body is a jobline error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "v1/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp.Job, err
}

func (c *Client) Tasks(ctx context.Context, jobID string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "v1/jobs/"+url.PathEscape(jobID)+"/tasks", nil, &resp)
	return resp.Tasks, err
}

// PendingWork lists unclaimed units, optionally filtered by type.
func (c *Client) PendingWork(ctx context.Context, workType string) ([]Work, error) {
	endpoint := "v1/work/pending"
	if workType != "" {
		endpoint += "?type=" + url.QueryEscape(workType)
	}
	var resp struct {
		Work []Work `json:"work"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Work, err
}

// Claim takes a unit. A 409 APIError means another worker won.
func (c *Client) Claim(ctx context.Context, unitID string) (Work, error) {
	var resp struct {
		Work Work `json:"work"`
	}
	err := c.do(ctx, http.MethodPost, workPath(unitID, "claim"), nil, &resp)
	return resp.Work, err
}

func (c *Client) Complete(ctx context.Context, unitID string, in Completion) (Job, error) {
	return c.finish(ctx, unitID, "complete", in)
}

func (c *Client) RevisionsComplete(ctx context.Context, unitID string, in Completion) (Job, error) {
	return c.finish(ctx, unitID, "revisions-complete", in)
}

func (c *Client) HardeningComplete(ctx context.Context, unitID string, in Completion) (Job, error) {
	return c.finish(ctx, unitID, "hardening-complete", in)
}

func (c *Client) finish(ctx context.Context, unitID, action string, in Completion) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, workPath(unitID, action), in, &resp)
	return resp.Job, err
}

// TaskUpdate reports progress on one task of the unit's job.
func (c *Client) TaskUpdate(ctx context.Context, unitID, taskID, status, note string) (Task, error) {
	body := map[string]any{
		"task_id": taskID,
		"status":  status,
	}
	if note != "" {
		body["note"] = note
	}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, workPath(unitID, "task-update"), body, &resp)
	return resp.Task, err
}

func workPath(unitID, action string) string {
	return fmt.Sprintf("v1/work/%s/%s", url.PathEscape(unitID), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if len(c.Roles) > 0 {
			req.Header.Set("X-Actor-Roles", strings.Join(c.Roles, ","))
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
