package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/token"
)

func gatedSpec(mode domain.GateMode, timeoutMs int) *domain.PipelineSpec {
	return &domain.PipelineSpec{
		Name: "p",
		Stages: []domain.StageSpec{
			{Name: "scripting", Handler: "scripting"},
			{Name: "publishing", Handler: "publishing"},
		},
		Gates: []domain.GateSpec{
			{Name: "script-approval", After: "scripting", Mode: mode, TimeoutMs: timeoutMs},
		},
	}
}

func gateHandlers() []StageHandler {
	return []StageHandler{
		&syncStage{name: "scripting", result: `{"script":"v1"}`},
		&syncStage{name: "publishing", result: `{"url":"https://out"}`},
	}
}

func signGateToken(t *testing.T, runID, gateName string) string {
	t.Helper()
	signer, err := token.NewSigner("test-secret")
	assert.NoError(t, err)
	tok, err := signer.Sign(runID, gateName, time.Now().Add(time.Minute))
	assert.NoError(t, err)
	return tok
}

func TestHardGateParksRun(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, gatedSpec(domain.GateModeHard, 0), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)

	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	gate, err := s.GetOpenGate(ctx, run.RunID)
	assert.NoError(t, err)
	assert.NotNil(t, gate)
	assert.Equal(t, "script-approval", gate.GateName)
	assert.Equal(t, domain.GateModeHard, gate.Mode)
	assert.Nil(t, gate.ExpiresAt)

	waitForArtifact(t, s, run.RunID, domain.ArtifactGateOpened)
}

func TestApproveAdvancesRun(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, gatedSpec(domain.GateModeHard, 0), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	tok := signGateToken(t, run.RunID, "script-approval")
	gate, err := svc.Decide(ctx, tok, "approve", "alice", "looks good")
	assert.NoError(t, err)
	assert.Equal(t, domain.GateDecisionApproved, gate.Decision)
	assert.Equal(t, "alice", gate.DecidedBy)

	final := waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"scripting":{"script":"v1"},"publishing":{"url":"https://out"}}`, string(final.Result))

	approval := waitForArtifact(t, s, run.RunID, domain.ArtifactApproval)
	assert.Equal(t, "alice", approval.Producer)
}

func TestRejectTerminatesRun(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, gatedSpec(domain.GateModeHard, 0), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	tok := signGateToken(t, run.RunID, "script-approval")
	gate, err := svc.Decide(ctx, tok, "reject", "bob", "off brand")
	assert.NoError(t, err)
	assert.Equal(t, domain.GateDecisionRejected, gate.Decision)

	waitForStatus(t, svc, run.RunID, domain.RunStatusRejected)
	waitForArtifact(t, s, run.RunID, domain.ArtifactRunRejected)

	// The second stage never ran.
	results, err := s.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactStageResult)}, 0)
	assert.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDecideRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, gatedSpec(domain.GateModeHard, 0), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	_, err = svc.Decide(ctx, "garbage", "approve", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	signer, _ := token.NewSigner("test-secret")
	expired, serr := signer.Sign(run.RunID, "script-approval", time.Now().Add(-time.Minute))
	assert.NoError(t, serr)
	_, err = svc.Decide(ctx, expired, "approve", "", "")
	assert.ErrorIs(t, err, domain.ErrExpiredToken)

	wrongSigner, _ := token.NewSigner("other-secret")
	forged, serr := wrongSigner.Sign(run.RunID, "script-approval", time.Now().Add(time.Minute))
	assert.NoError(t, serr)
	_, err = svc.Decide(ctx, forged, "approve", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	tok := signGateToken(t, run.RunID, "script-approval")
	_, err = svc.Decide(ctx, tok, "maybe", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	// None of the rejected attempts moved the run.
	got, _ := svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusAwaitingGate, got.Status)
}

func TestDecideFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, gatedSpec(domain.GateModeHard, 0), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	tok := signGateToken(t, run.RunID, "script-approval")
	_, err = svc.Decide(ctx, tok, "approve", "alice", "")
	assert.NoError(t, err)

	_, err = svc.Decide(ctx, tok, "reject", "bob", "too late")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)
}

func TestDecideUnknownGate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, gatedSpec(domain.GateModeHard, 0), gateHandlers()...)

	tok := signGateToken(t, "run_missing", "script-approval")
	_, err := svc.Decide(ctx, tok, "approve", "", "")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	tok = signGateToken(t, run.RunID, "other-gate")
	_, err = svc.Decide(ctx, tok, "approve", "", "")
	assert.ErrorIs(t, err, domain.ErrGateNotFound)
}

func TestSoftGateAutoApproves(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, gatedSpec(domain.GateModeSoft, 1), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	time.Sleep(5 * time.Millisecond)
	expired, err := s.ListExpiredSoftGates(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, expired, 1)
	assert.NoError(t, svc.autoApproveGate(ctx, &expired[0]))

	final := waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)
	assert.NotEmpty(t, final.Result)

	auto := waitForArtifact(t, s, run.RunID, domain.ArtifactAutoApproved)
	assert.Equal(t, domain.ProducerSystem, auto.Producer)

	gate, err := s.GetGate(ctx, run.RunID, "script-approval")
	assert.NoError(t, err)
	assert.Equal(t, "system:timeout", gate.DecidedBy)
}

func TestAdvanceHealsApprovedGateWithoutPosition(t *testing.T) {
	ctx := context.Background()
	publishing := &syncStage{name: "publishing", result: `{"url":"https://out"}`}
	svc, s := newTestService(t, gatedSpec(domain.GateModeHard, 0),
		&syncStage{name: "scripting", result: `{"script":"v1"}`}, publishing)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	// The decision landed but the position update never did, as after a
	// crash in that window.
	gate, err := s.GetOpenGate(ctx, run.RunID)
	assert.NoError(t, err)
	first, err := s.DecideGate(ctx, gate.GateID, domain.GateDecisionApproved, "alice", "")
	assert.NoError(t, err)
	assert.True(t, first)
	got, _ := svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusAwaitingGate, got.Status)

	assert.NoError(t, svc.Advance(ctx, run.RunID))

	final := waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"scripting":{"script":"v1"},"publishing":{"url":"https://out"}}`, string(final.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&publishing.calls))
}

func TestAdvanceHealsRejectedGateWithoutPosition(t *testing.T) {
	ctx := context.Background()
	publishing := &syncStage{name: "publishing", result: `{"url":"https://out"}`}
	svc, s := newTestService(t, gatedSpec(domain.GateModeHard, 0),
		&syncStage{name: "scripting", result: `{"script":"v1"}`}, publishing)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	gate, err := s.GetOpenGate(ctx, run.RunID)
	assert.NoError(t, err)
	first, err := s.DecideGate(ctx, gate.GateID, domain.GateDecisionRejected, "bob", "off brand")
	assert.NoError(t, err)
	assert.True(t, first)

	assert.NoError(t, svc.Advance(ctx, run.RunID))

	waitForStatus(t, svc, run.RunID, domain.RunStatusRejected)
	waitForArtifact(t, s, run.RunID, domain.ArtifactRunRejected)
	assert.Equal(t, int32(0), atomic.LoadInt32(&publishing.calls))
}

func TestHumanBeatsSweep(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, gatedSpec(domain.GateModeSoft, 1), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	tok := signGateToken(t, run.RunID, "script-approval")
	_, err = svc.Decide(ctx, tok, "reject", "alice", "no")
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusRejected)

	gate, err := s.GetGate(ctx, run.RunID, "script-approval")
	assert.NoError(t, err)
	// The sweep finds nothing to do and leaves the human decision alone.
	assert.NoError(t, svc.autoApproveGate(ctx, gate))
	gate, err = s.GetGate(ctx, run.RunID, "script-approval")
	assert.NoError(t, err)
	assert.Equal(t, domain.GateDecisionRejected, gate.Decision)
	assert.Equal(t, "alice", gate.DecidedBy)
}

func TestUnspecifiedGateModeDefaultsHard(t *testing.T) {
	ctx := context.Background()
	// No policy engine configured: an unspecified mode resolves to HARD.
	svc, s := newTestService(t, gatedSpec("", 0), gateHandlers()...)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusAwaitingGate)

	gate, err := s.GetOpenGate(ctx, run.RunID)
	assert.NoError(t, err)
	assert.Equal(t, domain.GateModeHard, gate.Mode)
}
