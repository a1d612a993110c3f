package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mylo-james/myloware/internal/adapter/notify"
	"github.com/mylo-james/myloware/internal/config"
	"github.com/mylo-james/myloware/internal/domain"
	store "github.com/mylo-james/myloware/internal/repository"
	"github.com/mylo-james/myloware/internal/token"
	"github.com/mylo-james/myloware/tests/helpers"
)

// syncStage completes immediately with a fixed result.
type syncStage struct {
	name   string
	result string
	calls  int32
}

func (h *syncStage) Name() string { return h.name }
func (h *syncStage) Execute(ctx context.Context, sc *StageContext) (*StageOutcome, error) {
	atomic.AddInt32(&h.calls, 1)
	return &StageOutcome{Result: json.RawMessage(h.result)}, nil
}

// asyncStage submits a fake external job and suspends.
type asyncStage struct {
	name    string
	jobID   string
	submits int32
}

func (h *asyncStage) Name() string { return h.name }
func (h *asyncStage) Execute(ctx context.Context, sc *StageContext) (*StageOutcome, error) {
	atomic.AddInt32(&h.submits, 1)
	return &StageOutcome{Suspend: true, Provider: "generation", ExternalJobID: h.jobID}, nil
}

// failingStage always errors.
type failingStage struct {
	name  string
	err   error
	calls int32
}

func (h *failingStage) Name() string { return h.name }
func (h *failingStage) Execute(ctx context.Context, sc *StageContext) (*StageOutcome, error) {
	atomic.AddInt32(&h.calls, 1)
	return nil, h.err
}

func newTestService(t *testing.T, spec *domain.PipelineSpec, handlers ...StageHandler) (*Service, *store.SQLiteStore) {
	t.Helper()
	s := helpers.NewTestSQLiteStore(t)
	return newTestServiceWith(t, s, spec, handlers...), s
}

func newTestServiceWith(t *testing.T, st store.Store, spec *domain.PipelineSpec, handlers ...StageHandler) *Service {
	t.Helper()

	signer, err := token.NewSigner("test-secret")
	assert.NoError(t, err)

	cfg := &config.Config{
		BaseURL:              "http://localhost:8080",
		TokenSecret:          "test-secret",
		TokenTTL:             time.Hour,
		GateSweepInterval:    10 * time.Millisecond,
		WebhookDedupTTL:      time.Hour,
		WebhookRetryInterval: 10 * time.Millisecond,
	}

	registry := NewStageRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}

	specs := map[string]*domain.PipelineSpec{}
	if spec != nil {
		specs[spec.Name] = spec
	}
	return New(st, nil, notify.NewClient(""), signer, nil, cfg, specs, registry)
}

func waitForStatus(t *testing.T, svc *Service, runID string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.GetRun(context.Background(), runID)
		assert.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := svc.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (stuck at %s)", runID, want, run.Status)
	return nil
}

func waitForArtifact(t *testing.T, s *store.SQLiteStore, runID string, typ domain.ArtifactType) *domain.Artifact {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a, err := s.LatestArtifact(context.Background(), runID, []string{string(typ)})
		assert.NoError(t, err)
		if a != nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never produced a %s artifact", runID, typ)
	return nil
}

func twoSyncStages() *domain.PipelineSpec {
	return &domain.PipelineSpec{
		Name: "p",
		Stages: []domain.StageSpec{
			{Name: "ideation", Handler: "ideation"},
			{Name: "scripting", Handler: "scripting"},
		},
	}
}

func TestRunCompletesThroughSyncStages(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, twoSyncStages(),
		&syncStage{name: "ideation", result: `{"idea":"deep sea"}`},
		&syncStage{name: "scripting", result: `{"script":"v1"}`},
	)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p", Payload: json.RawMessage(`{"topic":"x"}`)})
	assert.NoError(t, err)

	final := waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"ideation":{"idea":"deep sea"},"scripting":{"script":"v1"}}`, string(final.Result))

	// The ledger tells the whole story in order.
	arts, err := s.GetArtifacts(ctx, run.RunID, 0, nil, 0)
	assert.NoError(t, err)
	var types []domain.ArtifactType
	for _, a := range arts {
		types = append(types, a.Type)
	}
	assert.Equal(t, []domain.ArtifactType{
		domain.ArtifactRunStarted,
		domain.ArtifactStageStarted,
		domain.ArtifactStageResult,
		domain.ArtifactStageStarted,
		domain.ArtifactStageResult,
		domain.ArtifactRunCompleted,
	}, types)
}

func TestStartRunValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, twoSyncStages(),
		&syncStage{name: "ideation", result: `{}`},
		&syncStage{name: "scripting", result: `{}`},
	)

	_, err := svc.StartRun(ctx, &domain.StartRunRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "missing"})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	// Inline spec naming an unregistered handler.
	_, err = svc.StartRun(ctx, &domain.StartRunRequest{Spec: &domain.PipelineSpec{
		Name:   "inline",
		Stages: []domain.StageSpec{{Name: "a", Handler: "nope"}},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = svc.StartRun(ctx, &domain.StartRunRequest{
		Pipeline: "p",
		Spec:     &domain.PipelineSpec{Name: "x", Stages: []domain.StageSpec{{Name: "a", Handler: "ideation"}}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestAsyncStageSuspendsAndWebhookResumes(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name: "p",
		Stages: []domain.StageSpec{
			{Name: "rendering", Handler: "rendering"},
		},
	}
	async := &asyncStage{name: "rendering", jobID: "job-1"}
	svc, s := newTestService(t, spec, async)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)

	waitForArtifact(t, s, run.RunID, domain.ArtifactJobSubmitted)
	got, _ := svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusRunning, got.Status)

	body := []byte(`{"run_id":"` + run.RunID + `","job_id":"job-1","status":"succeeded","output":{"url":"https://v"}}`)
	admitted, err := svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.NoError(t, err)
	assert.True(t, admitted)

	final := waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"rendering":{"url":"https://v"}}`, string(final.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&async.submits))
}

func TestDuplicateWebhookIsIgnored(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name:   "p",
		Stages: []domain.StageSpec{{Name: "rendering", Handler: "rendering"}},
	}
	svc, s := newTestService(t, spec, &asyncStage{name: "rendering", jobID: "job-1"})

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForArtifact(t, s, run.RunID, domain.ArtifactJobSubmitted)

	body := []byte(`{"run_id":"` + run.RunID + `","job_id":"job-1","status":"succeeded","output":{"n":1}}`)
	admitted, err := svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.NoError(t, err)
	assert.True(t, admitted)

	for i := 0; i < 3; i++ {
		admitted, err = svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
		assert.NoError(t, err)
		assert.False(t, admitted)
	}

	waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)

	results, err := s.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactStageResult)}, 0)
	assert.NoError(t, err)
	assert.Len(t, results, 1)

	dups, err := s.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactDuplicateEvent)}, 0)
	assert.NoError(t, err)
	assert.Len(t, dups, 3)
}

func TestStaleWebhookRecorded(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name:   "p",
		Stages: []domain.StageSpec{{Name: "rendering", Handler: "rendering"}},
	}
	svc, s := newTestService(t, spec, &asyncStage{name: "rendering", jobID: "job-1"})

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForArtifact(t, s, run.RunID, domain.ArtifactJobSubmitted)

	// A callback for a job this run never submitted.
	body := []byte(`{"run_id":"` + run.RunID + `","job_id":"job-OLD","status":"succeeded","output":{}}`)
	admitted, err := svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.NoError(t, err)
	assert.True(t, admitted)

	waitForArtifact(t, s, run.RunID, domain.ArtifactStaleEvent)
	got, _ := svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusRunning, got.Status)

	results, _ := s.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactStageResult)}, 0)
	assert.Empty(t, results)
}

func TestMalformedWebhookRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	_, err := svc.IngestWebhook(ctx, "generation", []byte(`not json`), domain.SignatureValid)
	assert.Error(t, err)

	_, err = svc.IngestWebhook(ctx, "generation", []byte(`{"run_id":"r"}`), domain.SignatureValid)
	assert.Error(t, err)

	_, err = svc.IngestWebhook(ctx, "generation", []byte(`{"run_id":"r","job_id":"j","status":"maybe"}`), domain.SignatureValid)
	assert.Error(t, err)
}

func TestStageRetriesThenFailsRun(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name: "p",
		Stages: []domain.StageSpec{
			{Name: "rendering", Handler: "rendering", MaxAttempts: 2, BackoffMs: 10},
		},
	}
	failing := &failingStage{name: "rendering", err: fmt.Errorf("render crashed")}
	svc, s := newTestService(t, spec, failing)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)

	waitForStatus(t, svc, run.RunID, domain.RunStatusFailed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&failing.calls))

	stageErrs, err := s.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactStageError)}, 0)
	assert.NoError(t, err)
	assert.Len(t, stageErrs, 2)

	failedArt := waitForArtifact(t, s, run.RunID, domain.ArtifactRunFailed)
	assert.Contains(t, string(failedArt.Payload), "render crashed")
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name: "p",
		Stages: []domain.StageSpec{
			{Name: "rendering", Handler: "rendering", MaxAttempts: 3, BackoffMs: 10},
		},
	}
	failing := &failingStage{name: "rendering", err: fmt.Errorf("%w: bad input", domain.ErrProviderPermanent)}
	svc, _ := newTestService(t, spec, failing)

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)

	waitForStatus(t, svc, run.RunID, domain.RunStatusFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.calls))
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name:   "p",
		Stages: []domain.StageSpec{{Name: "rendering", Handler: "rendering"}},
	}
	svc, s := newTestService(t, spec, &asyncStage{name: "rendering", jobID: "job-1"})

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForArtifact(t, s, run.RunID, domain.ArtifactJobSubmitted)

	assert.NoError(t, svc.CancelRun(ctx, run.RunID, "operator abort"))
	got, _ := svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusFailed, got.Status)

	// Cancelling a terminal run is a no-op.
	assert.NoError(t, svc.CancelRun(ctx, run.RunID, "again"))

	// A late webhook for the cancelled run is stale, not applied.
	body := []byte(`{"run_id":"` + run.RunID + `","job_id":"job-1","status":"succeeded","output":{}}`)
	admitted, err := svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.NoError(t, err)
	assert.True(t, admitted)
	waitForArtifact(t, s, run.RunID, domain.ArtifactStaleEvent)
	got, _ = svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
}

// flakyStore injects transient lookup failures to exercise recovery paths.
type flakyStore struct {
	store.Store
	failAttemptLookups int32
}

func (f *flakyStore) GetOpenStageAttempt(ctx context.Context, runID, stageName string) (*domain.StageAttempt, error) {
	if atomic.AddInt32(&f.failAttemptLookups, -1) >= 0 {
		return nil, fmt.Errorf("attempt lookup hiccup")
	}
	return f.Store.GetOpenStageAttempt(ctx, runID, stageName)
}

func TestWebhookRedeliveryAfterProcessingFailure(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name:   "p",
		Stages: []domain.StageSpec{{Name: "rendering", Handler: "rendering"}},
	}
	flaky := &flakyStore{Store: helpers.NewTestSQLiteStore(t)}
	svc := newTestServiceWith(t, flaky, spec, &asyncStage{name: "rendering", jobID: "job-1"})

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForArtifact(t, flaky.Store.(*store.SQLiteStore), run.RunID, domain.ArtifactJobSubmitted)

	// The first delivery is admitted but processing dies mid-flight.
	atomic.StoreInt32(&flaky.failAttemptLookups, 1)
	body := []byte(`{"run_id":"` + run.RunID + `","job_id":"job-1","status":"succeeded","output":{"n":1}}`)
	admitted, err := svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.True(t, admitted)
	assert.Error(t, err)

	got, _ := svc.GetRun(ctx, run.RunID)
	assert.Equal(t, domain.RunStatusRunning, got.Status)

	// The provider's redelivery is not a duplicate yet; it finishes the
	// interrupted work instead of being dropped.
	admitted, err = svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.NoError(t, err)
	assert.True(t, admitted)

	waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)

	s := flaky.Store.(*store.SQLiteStore)
	results, err := s.GetArtifacts(ctx, run.RunID, 0, []string{string(domain.ArtifactStageResult)}, 0)
	assert.NoError(t, err)
	assert.Len(t, results, 1)

	// Only now do further deliveries count as duplicates.
	admitted, err = svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.NoError(t, err)
	assert.False(t, admitted)

	rec, err := s.GetWebhookEvent(ctx, "generation:job-1:succeeded")
	assert.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, 3, rec.Deliveries)
}

func TestWebhookRedriveHealsInterruptedProcessing(t *testing.T) {
	ctx := context.Background()
	spec := &domain.PipelineSpec{
		Name:   "p",
		Stages: []domain.StageSpec{{Name: "rendering", Handler: "rendering"}},
	}
	flaky := &flakyStore{Store: helpers.NewTestSQLiteStore(t)}
	svc := newTestServiceWith(t, flaky, spec, &asyncStage{name: "rendering", jobID: "job-1"})

	run, err := svc.StartRun(ctx, &domain.StartRunRequest{Pipeline: "p"})
	assert.NoError(t, err)
	waitForArtifact(t, flaky.Store.(*store.SQLiteStore), run.RunID, domain.ArtifactJobSubmitted)

	atomic.StoreInt32(&flaky.failAttemptLookups, 1)
	body := []byte(`{"run_id":"` + run.RunID + `","job_id":"job-1","status":"succeeded","output":{"n":1}}`)
	admitted, err := svc.IngestWebhook(ctx, "generation", body, domain.SignatureValid)
	assert.True(t, admitted)
	assert.Error(t, err)

	// No redelivery arrives; the sweep picks the admitted event back up.
	time.Sleep(20 * time.Millisecond)
	svc.redriveUnprocessedWebhooks(ctx)

	waitForStatus(t, svc, run.RunID, domain.RunStatusCompleted)

	rec, err := flaky.Store.(*store.SQLiteStore).GetWebhookEvent(ctx, "generation:job-1:succeeded")
	assert.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestAdvanceSkipsStageWithRecordedResult(t *testing.T) {
	ctx := context.Background()
	ideation := &syncStage{name: "ideation", result: `{"idea":"unused"}`}
	scripting := &syncStage{name: "scripting", result: `{"script":"v1"}`}
	svc, s := newTestService(t, twoSyncStages(), ideation, scripting)

	// A run caught between the stage result landing and the position
	// update, as after a crash in that window.
	now := time.Now()
	run := &domain.Run{
		RunID:     "run_mid",
		Pipeline:  "p",
		Spec:      *twoSyncStages(),
		Status:    domain.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	assert.NoError(t, s.CreateRun(ctx, run, nil))
	att := &domain.StageAttempt{
		AttemptID: "att_mid",
		RunID:     "run_mid",
		StageName: "ideation",
		Attempt:   1,
		Status:    domain.StageStatusRunning,
		StartedAt: now,
	}
	assert.NoError(t, s.CreateStageAttempt(ctx, att))
	_, err := s.CompleteStageAttempt(ctx, "att_mid", domain.StageStatusSucceeded, nil)
	assert.NoError(t, err)
	res, err := newArtifact("run_mid", "ideation", domain.ArtifactStageResult, stageResultPayload{
		Stage:     "ideation",
		AttemptID: "att_mid",
		Result:    json.RawMessage(`{"idea":"checkpointed"}`),
	})
	assert.NoError(t, err)
	assert.NoError(t, s.AppendArtifact(ctx, res))

	assert.NoError(t, svc.Advance(ctx, "run_mid"))

	got, _ := svc.GetRun(ctx, "run_mid")
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.JSONEq(t, `{"ideation":{"idea":"checkpointed"},"scripting":{"script":"v1"}}`, string(got.Result))

	// The checkpointed stage never re-executes.
	assert.Equal(t, int32(0), atomic.LoadInt32(&ideation.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&scripting.calls))
}

func TestResumeAllDrivesCreatedRun(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, twoSyncStages(),
		&syncStage{name: "ideation", result: `{}`},
		&syncStage{name: "scripting", result: `{}`},
	)

	// A run persisted but never advanced, as after a crash at start.
	now := time.Now()
	run := &domain.Run{
		RunID:     "run_crashed",
		Pipeline:  "p",
		Spec:      *twoSyncStages(),
		Status:    domain.RunStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	assert.NoError(t, s.CreateRun(ctx, run, nil))

	assert.NoError(t, svc.ResumeAll(ctx))
	waitForStatus(t, svc, "run_crashed", domain.RunStatusCompleted)
}
