package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/observability"
)

// ProviderEvent is the body providers POST to /webhooks/:provider when an
// async job completes. Providers echo back the run id they were given at
// submission.
type ProviderEvent struct {
	RunID  string          `json:"run_id"`
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

const (
	jobStatusSucceeded = "succeeded"
	jobStatusFailed    = "failed"
)

// IngestWebhook admits one provider notification and applies it to the
// run. The admission row is only marked processed after the event's effect
// is durable, so a failure or crash mid-processing leaves the key
// re-processable and the provider's redelivery (or the redrive sweep)
// finishes the work. Redeliveries of a processed key return admitted false
// with no state change beyond the delivery counter.
func (s *Service) IngestWebhook(ctx context.Context, provider string, body []byte, sigStatus domain.SignatureStatus) (bool, error) {
	var evt ProviderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return false, fmt.Errorf("malformed webhook body: %w", err)
	}
	if evt.RunID == "" || evt.JobID == "" {
		return false, fmt.Errorf("webhook missing run_id or job_id")
	}
	if evt.Status != jobStatusSucceeded && evt.Status != jobStatusFailed {
		return false, fmt.Errorf("webhook has unknown status %q", evt.Status)
	}

	now := time.Now()
	record := &domain.WebhookEvent{
		IdempotencyKey:  provider + ":" + evt.JobID + ":" + evt.Status,
		Provider:        provider,
		RunID:           evt.RunID,
		RawPayload:      body,
		SignatureStatus: sigStatus,
		Deliveries:      1,
		ReceivedAt:      now,
		LastSeenAt:      now,
	}
	pending, err := s.store.AdmitWebhook(ctx, record)
	if err != nil {
		return false, err
	}
	if !pending {
		observability.WebhooksDuplicate.Inc()
		log.Printf("INFO: duplicate webhook %s ignored", record.IdempotencyKey)
		// Audit only; no outbox entry because nothing changed.
		if art, aerr := newArtifact(evt.RunID, provider, domain.ArtifactDuplicateEvent, map[string]string{
			"job_id": evt.JobID,
			"status": evt.Status,
		}); aerr == nil {
			if err := s.store.AppendArtifact(ctx, art); err != nil {
				log.Printf("WARN: failed to record duplicate event for run %s: %v", evt.RunID, err)
			}
		}
		return false, nil
	}
	observability.WebhooksAdmitted.Inc()

	return true, s.applyAdmitted(ctx, provider, &evt, record.IdempotencyKey)
}

// applyAdmitted processes an admitted event under the run lock and marks
// the admission row once the effect is durable. On error the row stays
// unprocessed so a redelivery or the redrive sweep retries it.
func (s *Service) applyAdmitted(ctx context.Context, provider string, evt *ProviderEvent, key string) error {
	mu := s.locks.lock(evt.RunID)
	defer mu.Unlock()

	// A concurrent delivery of the same key may have finished while we
	// waited for the lock.
	rec, err := s.store.GetWebhookEvent(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil && rec.ProcessedAt != nil {
		return nil
	}

	if err := s.applyJobResult(ctx, provider, evt); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			// No run will ever match; keep the row for audit but stop
			// retrying it.
			if _, merr := s.store.MarkWebhookProcessed(ctx, key); merr != nil {
				log.Printf("WARN: failed to mark webhook %s processed: %v", key, merr)
			}
		}
		return err
	}
	if _, err := s.store.MarkWebhookProcessed(ctx, key); err != nil {
		// The effect is already applied; a retry re-runs applyJobResult
		// and lands on the stale path.
		log.Printf("WARN: failed to mark webhook %s processed: %v", key, err)
	}
	return nil
}

// applyJobResult correlates an admitted provider event with the run's open
// stage attempt. The caller holds the run lock. Events for terminal runs
// or superseded jobs are recorded as stale and otherwise ignored.
func (s *Service) applyJobResult(ctx context.Context, provider string, evt *ProviderEvent) error {
	run, err := s.store.GetRun(ctx, evt.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, evt.RunID)
	}
	if run.Status.IsTerminal() {
		return s.recordStaleEvent(ctx, run.RunID, provider, evt, "run is terminal")
	}

	stage := run.CurrentStageSpec()
	if stage == nil {
		return s.recordStaleEvent(ctx, run.RunID, provider, evt, "run past final stage")
	}
	attempt, err := s.store.GetOpenStageAttempt(ctx, run.RunID, stage.Name)
	if err != nil {
		return err
	}
	if attempt == nil {
		return s.recordStaleEvent(ctx, run.RunID, provider, evt, "no open stage attempt")
	}
	sub, err := s.latestSubmission(ctx, run.RunID)
	if err != nil {
		return err
	}
	if sub == nil || sub.AttemptID != attempt.AttemptID || sub.JobID != evt.JobID {
		return s.recordStaleEvent(ctx, run.RunID, provider, evt, "job id does not match open submission")
	}

	result, err := newArtifact(run.RunID, provider, domain.ArtifactJobResult, jobResultPayload{
		Stage:     stage.Name,
		AttemptID: attempt.AttemptID,
		JobID:     evt.JobID,
		Status:    evt.Status,
		Output:    evt.Output,
		Error:     evt.Error,
	})
	if err != nil {
		return err
	}
	if err := s.store.AppendArtifact(ctx, result, runEvent(result)); err != nil {
		return err
	}

	if evt.Status == jobStatusFailed {
		reason := "provider reported job failure"
		if len(evt.Error) > 0 {
			reason = string(evt.Error)
		}
		return s.stageFailure(ctx, run, stage, attempt, fmt.Errorf("job %s failed: %s", evt.JobID, reason))
	}

	handler, err := s.handlers.Get(stage.Handler)
	if err != nil {
		return err
	}
	var extra []StageArtifact
	if ra, ok := handler.(ResultArtifactor); ok {
		extra = ra.ResultArtifacts(evt.Output)
	}
	if err := s.finalizeStage(ctx, run, stage, attempt, evt.Output, extra); err != nil {
		return err
	}
	return s.advanceLocked(ctx, run.RunID)
}

func (s *Service) recordStaleEvent(ctx context.Context, runID, provider string, evt *ProviderEvent, reason string) error {
	log.Printf("INFO: stale webhook for run %s (job=%s): %s", runID, evt.JobID, reason)
	art, err := newArtifact(runID, provider, domain.ArtifactStaleEvent, map[string]string{
		"job_id": evt.JobID,
		"status": evt.Status,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return s.store.AppendArtifact(ctx, art, runEvent(art))
}

// RecordInvalidSignature audits a webhook that failed verification. The
// event is never admitted; the artifact exists so operators can see the
// attempt against the run it claimed.
func (s *Service) RecordInvalidSignature(ctx context.Context, provider string, body []byte) {
	observability.WebhooksRejected.Inc()

	var evt ProviderEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.RunID == "" {
		return
	}
	run, err := s.store.GetRun(ctx, evt.RunID)
	if err != nil || run == nil {
		return
	}
	art, err := newArtifact(evt.RunID, provider, domain.ArtifactInvalidSignature, map[string]string{
		"job_id": evt.JobID,
	})
	if err != nil {
		return
	}
	if err := s.store.AppendArtifact(ctx, art); err != nil {
		log.Printf("WARN: failed to record invalid signature artifact for run %s: %v", evt.RunID, err)
	}
}
