package domain

import "errors"

// Error taxonomy for the orchestration core. Transport layers map these to
// status codes with errors.Is; everything else wraps with %w.
var (
	// ErrInvalidSpec rejects a pipeline definition at start. Non-retryable.
	ErrInvalidSpec = errors.New("invalid pipeline spec")

	ErrRunNotFound = errors.New("run not found")

	// ErrGateAlreadyOpen enforces gate exclusivity per run.
	ErrGateAlreadyOpen = errors.New("gate already open for run")

	ErrGateNotFound   = errors.New("gate not found")
	ErrInvalidToken   = errors.New("invalid gate token")
	ErrExpiredToken   = errors.New("gate token expired")
	ErrAlreadyDecided = errors.New("gate already decided")

	// ErrDuplicateEvent marks a webhook delivery already admitted under the
	// same idempotency key. Acknowledged, never reprocessed.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidSignature marks a webhook that failed verification. Audited,
	// non-fatal to the run.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrProviderTransient covers timeouts and 5xx responses; retried with
	// backoff.
	ErrProviderTransient = errors.New("provider transient error")

	// ErrProviderPermanent covers 4xx validation failures; surfaces as a
	// stage failure without retry.
	ErrProviderPermanent = errors.New("provider permanent error")
)
