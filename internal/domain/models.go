// Package domain defines the core domain models for the orchestrator.
package domain

import (
	"encoding/json"
	"time"
)

// Run represents a single execution of a pipeline. The pipeline spec is
// frozen into the run at start time so later edits to spec files cannot
// change a run in flight.
type Run struct {
	RunID        string          `json:"run_id"`
	Pipeline     string          `json:"pipeline"`
	Spec         PipelineSpec    `json:"spec"`
	Status       RunStatus       `json:"status"`
	CurrentStage int             `json:"current_stage"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CurrentStageSpec returns the spec of the stage the run is positioned at,
// or nil when the pipeline is exhausted.
func (r *Run) CurrentStageSpec() *StageSpec {
	if r.CurrentStage < 0 || r.CurrentStage >= len(r.Spec.Stages) {
		return nil
	}
	return &r.Spec.Stages[r.CurrentStage]
}

// StageAttempt is one execution of a stage handler for a run. Attempts are
// immutable once terminal; retries create new rows.
type StageAttempt struct {
	AttemptID string          `json:"attempt_id"`
	RunID     string          `json:"run_id"`
	StageName string          `json:"stage_name"`
	Attempt   int             `json:"attempt"`
	Status    StageStatus     `json:"status"`
	Error     json.RawMessage `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Artifact is an immutable fact produced by a stage or the system. The
// append order (Seq) is the audit trail; a run's history replays from its
// artifact sequence alone.
type Artifact struct {
	ArtifactID string          `json:"artifact_id"`
	Seq        int64           `json:"seq"`
	RunID      string          `json:"run_id"`
	Producer   string          `json:"producer"`
	Type       ArtifactType    `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WebhookEvent is the admission record for an inbound provider
// notification. Exactly one row per idempotency key is ever admitted;
// ProcessedAt is set once the event's effect on the run is durable, and
// only then do redeliveries become no-ops beyond the delivery counter.
type WebhookEvent struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	Provider        string          `json:"provider"`
	RunID           string          `json:"run_id,omitempty"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
	SignatureStatus SignatureStatus `json:"signature_status"`
	Deliveries      int             `json:"deliveries"`
	ReceivedAt      time.Time       `json:"received_at"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// ApprovalGate is a pending or resolved HITL decision point. A run never
// has more than one open gate.
type ApprovalGate struct {
	GateID    string       `json:"gate_id"`
	RunID     string       `json:"run_id"`
	GateName  string       `json:"gate_name"`
	Mode      GateMode     `json:"mode"`
	Decision  GateDecision `json:"decision"`
	DecidedBy string       `json:"decided_by,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	DecidedAt *time.Time   `json:"decided_at,omitempty"`
}

// OutboxEntry is a state-change notification written in the same
// transaction as the change it describes, later drained onto the bus.
type OutboxEntry struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// DeadLetter is a bus message that exhausted its retry budget. It is kept
// for manual inspection and replay, never silently discarded.
type DeadLetter struct {
	ID         int64           `json:"id"`
	MessageID  string          `json:"message_id"`
	Topic      string          `json:"topic"`
	RunID      string          `json:"run_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason"`
	FailedAt   time.Time       `json:"failed_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	// Pipeline names a spec registered with the orchestrator. Mutually
	// exclusive with Spec.
	Pipeline string          `json:"pipeline,omitempty"`
	Spec     *PipelineSpec   `json:"spec,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StartRunResponse is the response of POST /v1/runs.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// RunSummary is the response of GET /v1/runs/:run_id.
type RunSummary struct {
	Run          *Run          `json:"run"`
	StageName    string        `json:"stage_name,omitempty"`
	OpenGate     *ApprovalGate `json:"open_gate,omitempty"`
	Artifacts    int           `json:"artifacts"`
	LastArtifact *Artifact     `json:"last_artifact,omitempty"`
}

// GateNotification is what the notification channel receives when a gate
// opens. The channel is responsible only for display and relaying the
// human's click back to the decision endpoint.
type GateNotification struct {
	RunID       string `json:"run_id"`
	GateName    string `json:"gate_name"`
	ApprovalURL string `json:"approval_url"`
	Summary     string `json:"summary"`
}
