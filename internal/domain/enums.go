package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusCreated      RunStatus = "CREATED"
	RunStatusRunning      RunStatus = "RUNNING"
	RunStatusAwaitingGate RunStatus = "AWAITING_GATE"
	RunStatusCompleted    RunStatus = "COMPLETED"
	RunStatusFailed       RunStatus = "FAILED"
	RunStatusRejected     RunStatus = "REJECTED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRejected:
		return true
	}
	return false
}

// StageStatus represents the status of a single stage attempt.
type StageStatus string

const (
	StageStatusPending   StageStatus = "PENDING"
	StageStatusRunning   StageStatus = "RUNNING"
	StageStatusSucceeded StageStatus = "SUCCEEDED"
	StageStatusFailed    StageStatus = "FAILED"
)

// GateMode controls how an approval gate resolves.
type GateMode string

const (
	// GateModeHard blocks until a human decides, indefinitely.
	GateModeHard GateMode = "HARD"
	// GateModeSoft auto-approves once its timeout elapses.
	GateModeSoft GateMode = "SOFT"
	// GateModePolicy defers the hard/soft choice to the policy engine.
	GateModePolicy GateMode = "POLICY"
)

// GateDecision represents the resolution state of an approval gate.
type GateDecision string

const (
	GateDecisionPending  GateDecision = "PENDING"
	GateDecisionApproved GateDecision = "APPROVED"
	GateDecisionRejected GateDecision = "REJECTED"
)

// SignatureStatus classifies webhook signature verification outcomes.
type SignatureStatus string

const (
	SignatureValid        SignatureStatus = "VALID"
	SignatureInvalid      SignatureStatus = "INVALID"
	SignatureUnverifiable SignatureStatus = "UNVERIFIABLE"
)

// ArtifactType tags artifact ledger entries. The tag set is open; the
// constants below cover everything the core itself records.
type ArtifactType string

const (
	ArtifactRunStarted       ArtifactType = "run-started"
	ArtifactStageStarted     ArtifactType = "stage-started"
	ArtifactJobSubmitted     ArtifactType = "job-submitted"
	ArtifactJobResult        ArtifactType = "job-result"
	ArtifactStageResult      ArtifactType = "stage-result"
	ArtifactStageError       ArtifactType = "stage-error"
	ArtifactGateOpened       ArtifactType = "gate-opened"
	ArtifactApproval         ArtifactType = "approval"
	ArtifactAutoApproved     ArtifactType = "auto-approved"
	ArtifactPublishURL       ArtifactType = "publish-url"
	ArtifactRunCompleted     ArtifactType = "run-completed"
	ArtifactRunFailed        ArtifactType = "run-failed"
	ArtifactRunRejected      ArtifactType = "run-rejected"
	ArtifactDuplicateEvent   ArtifactType = "duplicate-event"
	ArtifactStaleEvent       ArtifactType = "stale-event"
	ArtifactInvalidSignature ArtifactType = "invalid-signature"
)

// ProducerSystem is recorded as the producer of artifacts emitted by the
// orchestrator itself rather than by a stage.
const ProducerSystem = "system"
