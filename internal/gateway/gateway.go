package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mylo-james/myloware/internal/domain"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 32 * time.Second
)

// Gateway routes job submissions to named providers with submission
// deduplication and bounded exponential-backoff retries.
type Gateway struct {
	providers   map[string]Provider
	submissions *submissionCache
	maxAttempts int
}

// New creates a gateway over the given providers. dedupTTL bounds how long
// submission idempotency keys are remembered.
func New(providers []Provider, maxAttempts int, dedupTTL time.Duration) *Gateway {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Gateway{
		providers:   m,
		submissions: newSubmissionCache(dedupTTL),
		maxAttempts: maxAttempts,
	}
}

// Provider returns the named provider, or nil.
func (g *Gateway) Provider(name string) Provider {
	return g.providers[name]
}

// Submit sends a job to the named provider. A repeated submission with the
// same idempotency key returns the original external job id without
// re-invoking the provider. Transient failures retry with exponential
// backoff (1s doubling, 32s cap) up to the attempt budget; exhaustion and
// permanent failures surface to the caller as stage failures.
func (g *Gateway) Submit(ctx context.Context, providerName string, spec JobSpec) (string, error) {
	p, ok := g.providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: unknown provider %q", domain.ErrProviderPermanent, providerName)
	}
	if spec.IdempotencyKey == "" {
		return "", fmt.Errorf("%w: idempotency key is required", domain.ErrProviderPermanent)
	}

	if jobID, ok := g.submissions.lookup(spec.IdempotencyKey); ok {
		return jobID, nil
	}

	var lastErr error
	backoff := baseBackoff
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		jobID, err := p.Submit(ctx, spec)
		if err == nil {
			g.submissions.record(spec.IdempotencyKey, jobID)
			return jobID, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrProviderTransient) {
			return "", err
		}
		if attempt == g.maxAttempts {
			break
		}
		log.Printf("WARN: submit to %s failed (attempt %d/%d), retrying in %s: %v",
			providerName, attempt, g.maxAttempts, backoff, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return "", fmt.Errorf("submit to %s exhausted %d attempts: %w", providerName, g.maxAttempts, lastErr)
}

// VerifyWebhook checks an inbound payload's signature for the named
// provider. An unknown provider is unverifiable, not invalid.
func (g *Gateway) VerifyWebhook(providerName string, body []byte, headers http.Header) (domain.SignatureStatus, error) {
	p, ok := g.providers[providerName]
	if !ok {
		return domain.SignatureUnverifiable, fmt.Errorf("unknown provider %q", providerName)
	}
	if err := p.VerifySignature(body, headers); err != nil {
		if errors.Is(err, ErrUnverifiable) {
			return domain.SignatureUnverifiable, nil
		}
		return domain.SignatureInvalid, err
	}
	return domain.SignatureValid, nil
}
