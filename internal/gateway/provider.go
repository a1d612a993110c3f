// Package gateway provides a uniform submit/verify interface over the
// heterogeneous external job providers (generation, editing, publishing).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mylo-james/myloware/internal/domain"
)

// JobSpec is an outbound job submission.
type JobSpec struct {
	RunID          string          `json:"run_id"`
	Stage          string          `json:"stage"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Provider is one external job provider. Submit returns the provider's
// external job id; completion arrives later via webhook.
type Provider interface {
	Name() string
	Submit(ctx context.Context, spec JobSpec) (string, error)
	VerifySignature(body []byte, headers http.Header) error
}

// HTTPProvider submits jobs over HTTP and verifies webhook signatures with
// a shared HMAC secret.
type HTTPProvider struct {
	name     string
	endpoint string
	secret   string
	client   *http.Client
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(name, endpoint, secret string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string {
	return p.name
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit posts the job to the provider. Timeouts and 5xx responses come
// back wrapped in domain.ErrProviderTransient so the gateway retries them;
// 4xx responses wrap domain.ErrProviderPermanent.
func (p *HTTPProvider) Submit(ctx context.Context, spec JobSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", spec.IdempotencyKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrProviderTransient, p.name, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s returned %d", domain.ErrProviderTransient, p.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: %s returned %d: %s", domain.ErrProviderPermanent, p.name, resp.StatusCode, respBody)
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("%w: %s returned unparseable body: %v", domain.ErrProviderPermanent, p.name, err)
	}
	if sr.JobID == "" {
		return "", fmt.Errorf("%w: %s returned no job_id", domain.ErrProviderPermanent, p.name)
	}
	return sr.JobID, nil
}

// VerifySignature checks the provider's HMAC signature header. A provider
// without a configured secret returns ErrUnverifiable.
func (p *HTTPProvider) VerifySignature(body []byte, headers http.Header) error {
	if p.secret == "" {
		return ErrUnverifiable
	}
	return VerifyHMAC(p.secret, body, headers)
}
