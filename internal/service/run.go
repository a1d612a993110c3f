package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/observability"
)

// Artifact payloads written by the state machine. These shapes are part of
// the ledger contract: replay and the run event stream both read them back.

type stageResultPayload struct {
	Stage     string          `json:"stage"`
	AttemptID string          `json:"attempt_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type jobSubmittedPayload struct {
	Stage     string `json:"stage"`
	AttemptID string `json:"attempt_id"`
	Provider  string `json:"provider,omitempty"`
	JobID     string `json:"job_id"`
}

type jobResultPayload struct {
	Stage     string          `json:"stage"`
	AttemptID string          `json:"attempt_id"`
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

type stageErrorPayload struct {
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

type runFailurePayload struct {
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason"`
}

// StartRun validates the pipeline, persists the run, and kicks off the
// first stage. The run row, its run-started artifact, and the outbox entry
// land in one transaction; stage execution happens asynchronously.
func (s *Service) StartRun(ctx context.Context, req *domain.StartRunRequest) (*domain.Run, error) {
	spec, err := s.resolveSpec(req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run := &domain.Run{
		RunID:     "run_" + uuid.New().String()[:8],
		Pipeline:  spec.Name,
		Spec:      *spec,
		Status:    domain.RunStatusCreated,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	started, err := newArtifact(run.RunID, domain.ProducerSystem, domain.ArtifactRunStarted,
		map[string]string{"pipeline": run.Pipeline})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRun(ctx, run, started, runEvent(started)); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	observability.RunsStarted.Inc()
	log.Printf("INFO: run %s started (pipeline=%s, stages=%d)", run.RunID, run.Pipeline, len(spec.Stages))

	// Move to the first stage before returning so callers observe a
	// running run; the handler itself executes off this request.
	mu := s.locks.lock(run.RunID)
	err = s.enterStage(ctx, run.RunID, 0, spec.Stages[0].Name)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.Advance(context.Background(), run.RunID); err != nil {
			log.Printf("WARN: initial advance of run %s: %v", run.RunID, err)
		}
	}()

	run.Status = domain.RunStatusRunning
	return run, nil
}

func (s *Service) resolveSpec(req *domain.StartRunRequest) (*domain.PipelineSpec, error) {
	var spec *domain.PipelineSpec
	switch {
	case req.Spec != nil && req.Pipeline != "":
		return nil, fmt.Errorf("%w: pipeline and spec are mutually exclusive", domain.ErrInvalidSpec)
	case req.Spec != nil:
		spec = req.Spec
	case req.Pipeline != "":
		registered, ok := s.specs[req.Pipeline]
		if !ok {
			return nil, fmt.Errorf("%w: unknown pipeline %q", domain.ErrInvalidSpec, req.Pipeline)
		}
		spec = registered
	default:
		return nil, fmt.Errorf("%w: pipeline or spec is required", domain.ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	for _, st := range spec.Stages {
		if _, err := s.handlers.Get(st.Handler); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

// GetRunSummary aggregates the run row with its open gate and the shape of
// its ledger.
func (s *Service) GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	gate, err := s.store.GetOpenGate(ctx, runID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LatestArtifact(ctx, runID, nil)
	if err != nil {
		return nil, err
	}
	summary := &domain.RunSummary{Run: run, OpenGate: gate, Artifacts: count, LastArtifact: last}
	if st := run.CurrentStageSpec(); st != nil {
		summary.StageName = st.Name
	}
	return summary, nil
}

// CancelRun force-fails a non-terminal run. The reason lands in the
// run-failed artifact so the ledger explains the abort.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) error {
	mu := s.locks.lock(runID)
	defer mu.Unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if reason == "" {
		reason = "cancelled"
	}
	return s.failRun(ctx, run, runFailurePayload{Reason: reason})
}

// Advance drives a run as far as it can go right now: it executes stages
// whose inputs are ready and stops at suspensions (job in flight, gate
// pending) or a terminal state. It derives everything from the run row and
// the artifact ledger, so calling it on a freshly reloaded run resumes from
// the last durable checkpoint; callers may invoke it at any time and
// concurrent calls serialize per run.
func (s *Service) Advance(ctx context.Context, runID string) error {
	mu := s.locks.lock(runID)
	defer mu.Unlock()
	return s.advanceLocked(ctx, runID)
}

func (s *Service) advanceLocked(ctx context.Context, runID string) error {
	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		if run.Status.IsTerminal() {
			return nil
		}

		switch run.Status {
		case domain.RunStatusCreated:
			// Crash before the first stage transition.
			if err := s.enterStage(ctx, runID, 0, run.Spec.Stages[0].Name); err != nil {
				return err
			}
			continue

		case domain.RunStatusAwaitingGate:
			moved, err := s.reconcileGate(ctx, run)
			if err != nil {
				return err
			}
			if !moved {
				return nil
			}
			continue

		case domain.RunStatusRunning:
			done, err := s.stepRunning(ctx, run)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue

		default:
			return fmt.Errorf("run %s in unexpected status %s", runID, run.Status)
		}
	}
}

// stepRunning performs one step of a RUNNING run. It returns done=true when
// no further progress is possible without an external event.
func (s *Service) stepRunning(ctx context.Context, run *domain.Run) (bool, error) {
	stage := run.CurrentStageSpec()
	if stage == nil {
		return true, s.completeRun(ctx, run)
	}

	// A recorded stage result means the stage finished; only the
	// position update is outstanding (crash window, or a webhook landed
	// while the run row still pointed here).
	if res, err := s.stageResultFor(ctx, run.RunID, stage.Name); err != nil {
		return true, err
	} else if res != nil {
		moved, err := s.positionAfterStage(ctx, run, stage)
		return !moved, err
	}

	attempt, err := s.store.GetOpenStageAttempt(ctx, run.RunID, stage.Name)
	if err != nil {
		return true, err
	}
	if attempt == nil {
		n, err := s.store.CountStageAttempts(ctx, run.RunID, stage.Name)
		if err != nil {
			return true, err
		}
		if n >= stage.StageAttempts() {
			return true, s.failRun(ctx, run, runFailurePayload{
				Stage:  stage.Name,
				Reason: fmt.Sprintf("stage %s exhausted %d attempts", stage.Name, n),
			})
		}
		attempt = &domain.StageAttempt{
			AttemptID: "att_" + uuid.New().String()[:8],
			RunID:     run.RunID,
			StageName: stage.Name,
			Attempt:   n + 1,
			Status:    domain.StageStatusRunning,
			StartedAt: time.Now(),
		}
		if err := s.store.CreateStageAttempt(ctx, attempt); err != nil {
			return true, err
		}
	} else {
		submitted, err := s.submissionFor(ctx, run.RunID, attempt.AttemptID)
		if err != nil {
			return true, err
		}
		if submitted {
			// Job in flight; the provider webhook resumes us.
			return true, nil
		}
		// Crash after the attempt row but before submission: rerun
		// the handler. Idempotency keys make the resubmission safe.
	}

	return s.executeStage(ctx, run, stage, attempt)
}

// executeStage runs the stage handler for an open attempt.
func (s *Service) executeStage(ctx context.Context, run *domain.Run, stage *domain.StageSpec, attempt *domain.StageAttempt) (bool, error) {
	handler, err := s.handlers.Get(stage.Handler)
	if err != nil {
		return true, s.failRun(ctx, run, runFailurePayload{Stage: stage.Name, Reason: err.Error()})
	}

	artifacts, err := s.store.GetArtifacts(ctx, run.RunID, 0, nil, 0)
	if err != nil {
		return true, err
	}

	outcome, err := handler.Execute(ctx, &StageContext{
		Run:       run,
		Stage:     stage,
		Attempt:   attempt,
		Artifacts: artifacts,
	})
	if err != nil {
		return true, s.stageFailure(ctx, run, stage, attempt, err)
	}

	if outcome.Suspend {
		submitted, aerr := newArtifact(run.RunID, stage.Name, domain.ArtifactJobSubmitted, jobSubmittedPayload{
			Stage:     stage.Name,
			AttemptID: attempt.AttemptID,
			Provider:  outcome.Provider,
			JobID:     outcome.ExternalJobID,
		})
		if aerr != nil {
			return true, aerr
		}
		if err := s.store.AppendArtifact(ctx, submitted, runEvent(submitted)); err != nil {
			return true, err
		}
		log.Printf("INFO: run %s stage %s suspended on job %s (provider=%s)",
			run.RunID, stage.Name, outcome.ExternalJobID, outcome.Provider)
		return true, nil
	}

	// Synchronous result.
	if err := s.finalizeStage(ctx, run, stage, attempt, outcome.Result, outcome.Artifacts); err != nil {
		return true, err
	}
	return false, nil
}

// finalizeStage closes the attempt and records the stage result. The result
// artifact is the stage's durable checkpoint: once it exists, replay never
// re-executes the stage.
func (s *Service) finalizeStage(ctx context.Context, run *domain.Run, stage *domain.StageSpec, attempt *domain.StageAttempt, result json.RawMessage, extra []StageArtifact) error {
	first, err := s.store.CompleteStageAttempt(ctx, attempt.AttemptID, domain.StageStatusSucceeded, nil)
	if err != nil {
		return err
	}
	if !first {
		// A concurrent path already closed this attempt; the result
		// artifact it wrote wins.
		return nil
	}

	for _, ea := range extra {
		a, err := newArtifact(run.RunID, stage.Name, ea.Type, nil)
		if err != nil {
			return err
		}
		a.Payload = ea.Payload
		if err := s.store.AppendArtifact(ctx, a, runEvent(a)); err != nil {
			return err
		}
	}

	res, err := newArtifact(run.RunID, stage.Name, domain.ArtifactStageResult, stageResultPayload{
		Stage:     stage.Name,
		AttemptID: attempt.AttemptID,
		Result:    result,
	})
	if err != nil {
		return err
	}
	if err := s.store.AppendArtifact(ctx, res, runEvent(res)); err != nil {
		return err
	}
	log.Printf("INFO: run %s stage %s completed (attempt %d)", run.RunID, stage.Name, attempt.Attempt)
	return nil
}

// stageFailure records the error, closes the attempt, and either schedules
// a retry or fails the run when the budget is spent or the error is
// permanent.
func (s *Service) stageFailure(ctx context.Context, run *domain.Run, stage *domain.StageSpec, attempt *domain.StageAttempt, cause error) error {
	log.Printf("WARN: run %s stage %s attempt %d failed: %v", run.RunID, stage.Name, attempt.Attempt, cause)

	errData, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if _, err := s.store.CompleteStageAttempt(ctx, attempt.AttemptID, domain.StageStatusFailed, errData); err != nil {
		return err
	}
	art, err := newArtifact(run.RunID, stage.Name, domain.ArtifactStageError, stageErrorPayload{
		Stage:   stage.Name,
		Attempt: attempt.Attempt,
		Error:   cause.Error(),
	})
	if err != nil {
		return err
	}
	if err := s.store.AppendArtifact(ctx, art, runEvent(art)); err != nil {
		return err
	}

	if errors.Is(cause, domain.ErrProviderPermanent) || attempt.Attempt >= stage.StageAttempts() {
		return s.failRun(ctx, run, runFailurePayload{Stage: stage.Name, Reason: cause.Error()})
	}

	delay := time.Duration(stage.Backoff()) * time.Millisecond << (attempt.Attempt - 1)
	log.Printf("INFO: run %s stage %s retrying in %s (attempt %d/%d)",
		run.RunID, stage.Name, delay, attempt.Attempt+1, stage.StageAttempts())
	runID := run.RunID
	go func() {
		time.Sleep(delay)
		if err := s.Advance(context.Background(), runID); err != nil {
			log.Printf("ERROR: retry advance of run %s: %v", runID, err)
		}
	}()
	return nil
}

// positionAfterStage moves a run whose current stage has a recorded result:
// it opens the gate placed at this boundary, or advances to the next stage,
// or completes the run. Returns moved=false when the run parked on a gate.
func (s *Service) positionAfterStage(ctx context.Context, run *domain.Run, stage *domain.StageSpec) (bool, error) {
	if gate := run.Spec.GateAfter(stage.Name); gate != nil {
		existing, err := s.store.GetGate(ctx, run.RunID, gate.Name)
		if err != nil {
			return false, err
		}
		switch {
		case existing == nil:
			mode, err := s.resolveGateMode(ctx, run, stage, gate)
			if err != nil {
				return false, err
			}
			if mode == "" {
				// Policy skipped the gate.
				break
			}
			if err := s.openGate(ctx, run, stage, gate, mode); err != nil {
				if errors.Is(err, domain.ErrGateAlreadyOpen) {
					return false, nil
				}
				return false, err
			}
			return false, nil
		case existing.Decision == domain.GateDecisionPending:
			return false, nil
		case existing.Decision == domain.GateDecisionRejected:
			return false, s.rejectRun(ctx, run, existing)
		}
		// Approved: fall through to the next stage.
	}
	return true, s.advancePosition(ctx, run)
}

// advancePosition moves the run row past its current stage.
func (s *Service) advancePosition(ctx context.Context, run *domain.Run) error {
	next := run.CurrentStage + 1
	if next >= len(run.Spec.Stages) {
		return s.completeRun(ctx, run)
	}
	return s.enterStage(ctx, run.RunID, next, run.Spec.Stages[next].Name)
}

// enterStage transitions the run to RUNNING at the given stage index.
func (s *Service) enterStage(ctx context.Context, runID string, index int, stageName string) error {
	art, err := newArtifact(runID, domain.ProducerSystem, domain.ArtifactStageStarted,
		map[string]string{"stage": stageName})
	if err != nil {
		return err
	}
	return s.store.UpdateRunState(ctx, runID, domain.RunStatusRunning, index, nil, art, runEvent(art))
}

// completeRun aggregates every stage result into the run's final result.
func (s *Service) completeRun(ctx context.Context, run *domain.Run) error {
	results := make(map[string]json.RawMessage, len(run.Spec.Stages))
	arts, err := s.store.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactStageResult)}, 0)
	if err != nil {
		return err
	}
	for _, a := range arts {
		var p stageResultPayload
		if err := json.Unmarshal(a.Payload, &p); err == nil && p.Stage != "" {
			results[p.Stage] = p.Result
		}
	}
	final, err := json.Marshal(results)
	if err != nil {
		return err
	}

	art, aerr := newArtifact(run.RunID, domain.ProducerSystem, domain.ArtifactRunCompleted, nil)
	if aerr != nil {
		return aerr
	}
	err = s.store.UpdateRunState(ctx, run.RunID, domain.RunStatusCompleted, len(run.Spec.Stages), final,
		art, runEvent(art), notifyEvent(run.RunID, map[string]string{
			"run_id": run.RunID,
			"status": string(domain.RunStatusCompleted),
		}))
	if err != nil {
		return err
	}
	observability.RunsCompleted.WithLabelValues(string(domain.RunStatusCompleted)).Inc()
	log.Printf("INFO: run %s completed", run.RunID)
	return nil
}

func (s *Service) failRun(ctx context.Context, run *domain.Run, reason runFailurePayload) error {
	art, err := newArtifact(run.RunID, domain.ProducerSystem, domain.ArtifactRunFailed, reason)
	if err != nil {
		return err
	}
	err = s.store.UpdateRunState(ctx, run.RunID, domain.RunStatusFailed, run.CurrentStage, nil,
		art, runEvent(art), notifyEvent(run.RunID, map[string]string{
			"run_id": run.RunID,
			"status": string(domain.RunStatusFailed),
			"reason": reason.Reason,
		}))
	if err != nil {
		return err
	}
	observability.RunsCompleted.WithLabelValues(string(domain.RunStatusFailed)).Inc()
	log.Printf("WARN: run %s failed: %s", run.RunID, reason.Reason)
	return nil
}

func (s *Service) rejectRun(ctx context.Context, run *domain.Run, gate *domain.ApprovalGate) error {
	art, err := newArtifact(run.RunID, domain.ProducerSystem, domain.ArtifactRunRejected, map[string]string{
		"gate_name":  gate.GateName,
		"decided_by": gate.DecidedBy,
		"reason":     gate.Reason,
	})
	if err != nil {
		return err
	}
	err = s.store.UpdateRunState(ctx, run.RunID, domain.RunStatusRejected, run.CurrentStage, nil,
		art, runEvent(art), notifyEvent(run.RunID, map[string]string{
			"run_id": run.RunID,
			"status": string(domain.RunStatusRejected),
			"gate":   gate.GateName,
		}))
	if err != nil {
		return err
	}
	observability.RunsCompleted.WithLabelValues(string(domain.RunStatusRejected)).Inc()
	log.Printf("INFO: run %s rejected at gate %s by %s", run.RunID, gate.GateName, gate.DecidedBy)
	return nil
}

// stageResultFor returns the recorded result payload for a stage, or nil.
func (s *Service) stageResultFor(ctx context.Context, runID, stageName string) (*stageResultPayload, error) {
	arts, err := s.store.GetArtifacts(ctx, runID, 0, []string{string(domain.ArtifactStageResult)}, 0)
	if err != nil {
		return nil, err
	}
	for i := len(arts) - 1; i >= 0; i-- {
		var p stageResultPayload
		if err := json.Unmarshal(arts[i].Payload, &p); err != nil {
			continue
		}
		if p.Stage == stageName {
			return &p, nil
		}
	}
	return nil, nil
}

// submissionFor reports whether a job-submitted artifact exists for the
// given attempt.
func (s *Service) submissionFor(ctx context.Context, runID, attemptID string) (bool, error) {
	arts, err := s.store.GetArtifacts(ctx, runID, 0, []string{string(domain.ArtifactJobSubmitted)}, 0)
	if err != nil {
		return false, err
	}
	for i := len(arts) - 1; i >= 0; i-- {
		var p jobSubmittedPayload
		if err := json.Unmarshal(arts[i].Payload, &p); err != nil {
			continue
		}
		if p.AttemptID == attemptID {
			return true, nil
		}
	}
	return false, nil
}

// latestSubmission returns the most recent job-submitted payload for the
// run, or nil.
func (s *Service) latestSubmission(ctx context.Context, runID string) (*jobSubmittedPayload, error) {
	art, err := s.store.LatestArtifact(ctx, runID, []string{string(domain.ArtifactJobSubmitted)})
	if err != nil || art == nil {
		return nil, err
	}
	var p jobSubmittedPayload
	if err := json.Unmarshal(art.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ResumeAll re-drives every non-terminal run from its last checkpoint.
// Called once at startup; safe to call again at any time.
func (s *Service) ResumeAll(ctx context.Context) error {
	runs, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}
	for i := range runs {
		runID := runs[i].RunID
		log.Printf("INFO: resuming run %s (status=%s, stage=%d)", runID, runs[i].Status, runs[i].CurrentStage)
		if err := s.Advance(ctx, runID); err != nil {
			log.Printf("ERROR: failed to resume run %s: %v", runID, err)
		}
	}
	return nil
}
