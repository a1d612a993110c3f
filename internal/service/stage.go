package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mylo-james/myloware/internal/domain"
)

// StageContext is everything a stage handler may read: the run's payload
// and the prior artifact sequence. Handlers must not block beyond a single
// non-blocking provider submission; async completion arrives via webhook.
type StageContext struct {
	Run       *domain.Run
	Stage     *domain.StageSpec
	Attempt   *domain.StageAttempt
	Artifacts []domain.Artifact
}

// PriorStageResult returns the recorded result of an earlier stage, or nil.
func (sc *StageContext) PriorStageResult(stageName string) json.RawMessage {
	for i := len(sc.Artifacts) - 1; i >= 0; i-- {
		a := sc.Artifacts[i]
		if a.Type != domain.ArtifactStageResult {
			continue
		}
		var p stageResultPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			continue
		}
		if p.Stage == stageName {
			return p.Result
		}
	}
	return nil
}

// StageArtifact is an extra ledger entry a handler contributes.
type StageArtifact struct {
	Type    domain.ArtifactType
	Payload json.RawMessage
}

// StageOutcome is what a handler execution produced: either a suspension
// (job submitted, result comes by webhook) or an immediate result.
type StageOutcome struct {
	Suspend       bool
	Provider      string
	ExternalJobID string
	Result        json.RawMessage
	Artifacts     []StageArtifact
}

// StageHandler executes one stage of a run.
type StageHandler interface {
	Name() string
	Execute(ctx context.Context, sc *StageContext) (*StageOutcome, error)
}

// ResultArtifactor is implemented by handlers that derive extra artifacts
// from an asynchronously delivered job result (e.g. a publish URL).
type ResultArtifactor interface {
	ResultArtifacts(result json.RawMessage) []StageArtifact
}

// StageRegistry maps handler names from pipeline specs to implementations.
type StageRegistry struct {
	handlers map[string]StageHandler
}

func NewStageRegistry() *StageRegistry {
	return &StageRegistry{handlers: make(map[string]StageHandler)}
}

// Register adds a handler. Later registrations with the same name win,
// which lets tests swap builtins.
func (r *StageRegistry) Register(h StageHandler) {
	r.handlers[h.Name()] = h
}

// Get returns the named handler.
func (r *StageRegistry) Get(name string) (StageHandler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for %q", domain.ErrInvalidSpec, name)
	}
	return h, nil
}

// Names lists registered handler names.
func (r *StageRegistry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
