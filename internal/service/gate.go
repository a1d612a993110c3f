package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/observability"
	"github.com/mylo-james/myloware/policy"
)

// openGate parks the run on an approval gate with the given effective mode.
func (s *Service) openGate(ctx context.Context, run *domain.Run, stage *domain.StageSpec, spec *domain.GateSpec, mode domain.GateMode) error {
	gate := &domain.ApprovalGate{
		GateID:    "gate_" + uuid.New().String()[:8],
		RunID:     run.RunID,
		GateName:  spec.Name,
		Mode:      mode,
		Decision:  domain.GateDecisionPending,
		CreatedAt: time.Now(),
	}
	if mode == domain.GateModeSoft {
		exp := time.Now().Add(time.Duration(spec.TimeoutMs) * time.Millisecond)
		gate.ExpiresAt = &exp
	}

	tok, err := s.signer.Sign(run.RunID, spec.Name, time.Now().Add(s.config.TokenTTL))
	if err != nil {
		return fmt.Errorf("failed to sign gate token: %w", err)
	}
	approvalURL := fmt.Sprintf("%s/hitl/approve/%s/%s?token=%s", s.config.BaseURL, run.RunID, spec.Name, tok)

	opened, err := newArtifact(run.RunID, domain.ProducerSystem, domain.ArtifactGateOpened, map[string]string{
		"gate_name": spec.Name,
		"mode":      string(mode),
		"after":     stage.Name,
	})
	if err != nil {
		return err
	}
	err = s.store.CreateGate(ctx, gate, opened, runEvent(opened), notifyEvent(run.RunID, domain.GateNotification{
		RunID:       run.RunID,
		GateName:    spec.Name,
		ApprovalURL: approvalURL,
		Summary:     fmt.Sprintf("run %s finished %s and awaits %s approval", run.RunID, stage.Name, spec.Name),
	}))
	if err != nil {
		return err
	}
	log.Printf("INFO: run %s awaiting gate %s (mode=%s)", run.RunID, spec.Name, mode)
	return nil
}

// resolveGateMode returns the effective mode, or "" when the gate is
// skipped. HARD and SOFT specs are taken as written; everything else is
// decided by the policy engine, which fails safe to HARD.
func (s *Service) resolveGateMode(ctx context.Context, run *domain.Run, stage *domain.StageSpec, spec *domain.GateSpec) (domain.GateMode, error) {
	switch spec.Mode {
	case domain.GateModeHard, domain.GateModeSoft:
		return spec.Mode, nil
	}

	if s.policyEngine == nil {
		return domain.GateModeHard, nil
	}
	verdict, err := s.policyEngine.Evaluate(ctx, map[string]interface{}{
		"pipeline":   run.Pipeline,
		"stage_name": stage.Name,
		"gate_name":  spec.Name,
	})
	if err != nil {
		log.Printf("WARN: gate policy evaluation failed for run %s gate %s: %v", run.RunID, spec.Name, err)
		return domain.GateModeHard, nil
	}
	switch verdict {
	case policy.DecisionSoft:
		if spec.TimeoutMs <= 0 {
			// A soft gate without a window would never resolve.
			return domain.GateModeHard, nil
		}
		return domain.GateModeSoft, nil
	case policy.DecisionSkip:
		return "", nil
	default:
		return domain.GateModeHard, nil
	}
}

// Decide applies a human decision carried by a signed gate token. Invalid
// and expired tokens are rejected before any state is touched; a second
// decision on the same gate returns domain.ErrAlreadyDecided.
func (s *Service) Decide(ctx context.Context, tok, decision, actor, reason string) (*domain.ApprovalGate, error) {
	claims, err := s.signer.Verify(tok)
	if err != nil {
		return nil, err
	}

	var verdict domain.GateDecision
	switch decision {
	case "approve":
		verdict = domain.GateDecisionApproved
	case "reject":
		verdict = domain.GateDecisionRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidToken, decision)
	}

	mu := s.locks.lock(claims.RunID)
	defer mu.Unlock()

	run, err := s.store.GetRun(ctx, claims.RunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, claims.RunID)
	}
	gate, err := s.store.GetGate(ctx, claims.RunID, claims.GateName)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrGateNotFound, claims.RunID, claims.GateName)
	}

	if actor == "" {
		actor = "human"
	}
	first, err := s.store.DecideGate(ctx, gate.GateID, verdict, actor, reason)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, fmt.Errorf("%w: gate %s", domain.ErrAlreadyDecided, gate.GateName)
	}
	now := time.Now()
	gate.Decision = verdict
	gate.DecidedBy = actor
	gate.Reason = reason
	gate.DecidedAt = &now

	art, err := newArtifact(run.RunID, actor, domain.ArtifactApproval, map[string]string{
		"gate_name":  gate.GateName,
		"decision":   string(verdict),
		"decided_by": actor,
		"reason":     reason,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendArtifact(ctx, art, runEvent(art)); err != nil {
		return nil, err
	}
	log.Printf("INFO: run %s gate %s decided %s by %s", run.RunID, gate.GateName, verdict, actor)

	if verdict == domain.GateDecisionRejected {
		return gate, s.rejectRun(ctx, run, gate)
	}
	if err := s.advancePosition(ctx, run); err != nil {
		return nil, err
	}
	s.dispatchAdvance(run.RunID)
	return gate, nil
}

// reconcileGate resolves the AWAITING_GATE state against the gates table.
// Returns moved=true when the run row advanced and the caller should keep
// stepping.
func (s *Service) reconcileGate(ctx context.Context, run *domain.Run) (bool, error) {
	open, err := s.store.GetOpenGate(ctx, run.RunID)
	if err != nil {
		return false, err
	}
	if open != nil {
		return false, nil
	}

	// No pending gate but the run is parked: the decision landed without
	// the position update (crash window).
	stage := run.CurrentStageSpec()
	if stage == nil {
		return false, s.completeRun(ctx, run)
	}
	spec := run.Spec.GateAfter(stage.Name)
	if spec == nil {
		return true, s.advancePosition(ctx, run)
	}
	gate, err := s.store.GetGate(ctx, run.RunID, spec.Name)
	if err != nil {
		return false, err
	}
	if gate != nil && gate.Decision == domain.GateDecisionRejected {
		return false, s.rejectRun(ctx, run, gate)
	}
	return true, s.advancePosition(ctx, run)
}

// autoApproveGate resolves an expired soft gate. The auto-approved artifact
// keeps the ledger honest about the absence of a human decision.
func (s *Service) autoApproveGate(ctx context.Context, gate *domain.ApprovalGate) error {
	mu := s.locks.lock(gate.RunID)
	defer mu.Unlock()

	run, err := s.store.GetRun(ctx, gate.RunID)
	if err != nil {
		return err
	}
	if run == nil || run.Status.IsTerminal() {
		return nil
	}
	first, err := s.store.DecideGate(ctx, gate.GateID, domain.GateDecisionApproved, "system:timeout", "soft gate window elapsed")
	if err != nil {
		return err
	}
	if !first {
		// A human beat the sweep.
		return nil
	}

	art, err := newArtifact(run.RunID, domain.ProducerSystem, domain.ArtifactAutoApproved, map[string]string{
		"gate_name": gate.GateName,
	})
	if err != nil {
		return err
	}
	if err := s.store.AppendArtifact(ctx, art, runEvent(art)); err != nil {
		return err
	}
	observability.GatesAutoApproved.Inc()
	log.Printf("INFO: run %s gate %s auto-approved after timeout", run.RunID, gate.GateName)

	if err := s.advancePosition(ctx, run); err != nil {
		return err
	}
	s.dispatchAdvance(run.RunID)
	return nil
}

// dispatchAdvance resumes stage execution off the caller's request path.
func (s *Service) dispatchAdvance(runID string) {
	go func() {
		if err := s.Advance(context.Background(), runID); err != nil {
			log.Printf("ERROR: advance of run %s: %v", runID, err)
		}
	}()
}
