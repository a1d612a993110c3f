// Package store provides persistence for runs, stage attempts, artifacts,
// webhook admission, approval gates, the outbox, and dead letters.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mylo-james/myloware/internal/domain"
)

// Store is the persistence interface for the orchestration core.
//
// Methods taking a cause artifact and an optional outbox entry apply all
// writes in one transaction: a run state change is never persisted without
// the artifact recording its cause, and an event destined for the bus is
// never lost if the process dies before publishing.
type Store interface {
	Close() error

	// Runs
	CreateRun(ctx context.Context, run *domain.Run, cause *domain.Artifact, outs ...*domain.OutboxEntry) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListActiveRuns(ctx context.Context) ([]domain.Run, error)
	UpdateRunState(ctx context.Context, runID string, status domain.RunStatus, currentStage int, result json.RawMessage, cause *domain.Artifact, outs ...*domain.OutboxEntry) error

	// Stage attempts
	CreateStageAttempt(ctx context.Context, attempt *domain.StageAttempt) error
	CompleteStageAttempt(ctx context.Context, attemptID string, status domain.StageStatus, errData []byte) (bool, error)
	GetOpenStageAttempt(ctx context.Context, runID, stageName string) (*domain.StageAttempt, error)
	CountStageAttempts(ctx context.Context, runID, stageName string) (int, error)

	// Artifact ledger (append-only)
	AppendArtifact(ctx context.Context, artifact *domain.Artifact, outs ...*domain.OutboxEntry) error
	GetArtifacts(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.Artifact, error)
	LatestArtifact(ctx context.Context, runID string, types []string) (*domain.Artifact, error)
	CountArtifacts(ctx context.Context, runID string) (int, error)

	// Webhook admission. AdmitWebhook returns true while the key still
	// needs processing (new, or admitted but never marked processed) and
	// false once MarkWebhookProcessed has run; the check-and-set is
	// atomic. Admission and processing are separate steps so a failure
	// between them leaves the event re-processable, not dropped.
	AdmitWebhook(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, idempotencyKey string) (bool, error)
	GetWebhookEvent(ctx context.Context, idempotencyKey string) (*domain.WebhookEvent, error)
	ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error)
	PurgeWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Approval gates. CreateGate opens the gate and parks the run in
	// AWAITING_GATE atomically; it fails with domain.ErrGateAlreadyOpen
	// when the run already has a pending gate.
	CreateGate(ctx context.Context, gate *domain.ApprovalGate, cause *domain.Artifact, outs ...*domain.OutboxEntry) error
	GetOpenGate(ctx context.Context, runID string) (*domain.ApprovalGate, error)
	GetGate(ctx context.Context, runID, gateName string) (*domain.ApprovalGate, error)
	DecideGate(ctx context.Context, gateID string, decision domain.GateDecision, decidedBy, reason string) (bool, error)
	ListExpiredSoftGates(ctx context.Context, limit int) ([]domain.ApprovalGate, error)

	// Outbox
	ListUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id int64) error

	// Dead letters
	InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int, includeReplayed bool) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id int64) (bool, error)
}
