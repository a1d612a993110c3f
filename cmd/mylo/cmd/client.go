package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mylo-james/myloware/internal/domain"
)

// Client handles API calls to the orchestrator.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// StartRun sends POST /v1/runs.
func (c *Client) StartRun(req *domain.StartRunRequest) (*domain.StartRunResponse, error) {
	var out domain.StartRunResponse
	if err := c.do(http.MethodPost, "/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun sends GET /v1/runs/{id}.
func (c *Client) GetRun(runID string) (*domain.RunSummary, error) {
	var out domain.RunSummary
	if err := c.do(http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetArtifacts sends GET /v1/runs/{id}/artifacts.
func (c *Client) GetArtifacts(runID string, afterSeq int64) ([]domain.Artifact, error) {
	var out struct {
		Artifacts []domain.Artifact `json:"artifacts"`
	}
	path := fmt.Sprintf("/v1/runs/%s/artifacts?after_seq=%d", url.PathEscape(runID), afterSeq)
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// CancelRun sends POST /v1/runs/{id}/cancel.
func (c *Client) CancelRun(runID, reason string) error {
	return c.do(http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel",
		map[string]string{"reason": reason}, nil)
}

// Decide resolves a gate with its approval token. The token carries the
// run and gate identity; run/gate path segments exist for link readability
// and the server ignores them.
func (c *Client) Decide(token, decision, by, reason string) (map[string]string, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("decision", decision)
	if by != "" {
		q.Set("by", by)
	}
	if reason != "" {
		q.Set("reason", reason)
	}
	var out map[string]string
	if err := c.do(http.MethodGet, "/hitl/approve/-/-?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDeadLetters sends GET /v1/dlq.
func (c *Client) ListDeadLetters(limit int, includeReplayed bool) ([]domain.DeadLetter, error) {
	var out struct {
		DeadLetters []domain.DeadLetter `json:"dead_letters"`
	}
	path := fmt.Sprintf("/v1/dlq?limit=%d&include_replayed=%t", limit, includeReplayed)
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

// ReplayDeadLetter sends POST /v1/dlq/{id}/replay.
func (c *Client) ReplayDeadLetter(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/v1/dlq/%d/replay", id), nil, nil)
}
