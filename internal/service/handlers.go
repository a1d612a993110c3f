package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/gateway"
)

// Persona stage handlers. Each builds a provider job from the run payload
// plus the previous stage's result, submits it, and suspends the run until
// the provider's completion webhook lands.

// providerStage is the shared shape: submit to a provider and suspend.
type providerStage struct {
	name            string
	defaultProvider string
	gw              *gateway.Gateway
}

func (h *providerStage) Name() string {
	return h.name
}

func (h *providerStage) Execute(ctx context.Context, sc *StageContext) (*StageOutcome, error) {
	provider := sc.Stage.Provider
	if provider == "" {
		provider = h.defaultProvider
	}

	// The previous stage's result feeds the next persona's input.
	var prior json.RawMessage
	if sc.Run.CurrentStage > 0 {
		prior = sc.PriorStageResult(sc.Run.Spec.Stages[sc.Run.CurrentStage-1].Name)
	}

	input, err := json.Marshal(map[string]interface{}{
		"persona": h.name,
		"payload": sc.Run.Payload,
		"prior":   prior,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s input: %w", h.name, err)
	}

	jobID, err := h.gw.Submit(ctx, provider, gateway.JobSpec{
		RunID:          sc.Run.RunID,
		Stage:          sc.Stage.Name,
		Input:          input,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", sc.Run.RunID, sc.Stage.Name, sc.Attempt.Attempt),
	})
	if err != nil {
		return nil, err
	}

	return &StageOutcome{
		Suspend:       true,
		Provider:      provider,
		ExternalJobID: jobID,
	}, nil
}

// publishingStage additionally lifts the publish URL out of the job result
// into its own artifact for the audit trail.
type publishingStage struct {
	providerStage
}

func (h *publishingStage) ResultArtifacts(result json.RawMessage) []StageArtifact {
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(result, &out); err != nil || out.URL == "" {
		return nil
	}
	payload, _ := json.Marshal(map[string]string{"url": out.URL})
	return []StageArtifact{{Type: domain.ArtifactPublishURL, Payload: payload}}
}

// RegisterBuiltinHandlers wires the four persona stages against the
// gateway's generation, editing, and publishing providers.
func RegisterBuiltinHandlers(r *StageRegistry, gw *gateway.Gateway) {
	r.Register(&providerStage{name: "ideation", defaultProvider: "generation", gw: gw})
	r.Register(&providerStage{name: "scripting", defaultProvider: "generation", gw: gw})
	r.Register(&providerStage{name: "rendering", defaultProvider: "editing", gw: gw})
	r.Register(&publishingStage{providerStage{name: "publishing", defaultProvider: "publishing", gw: gw}})
}
