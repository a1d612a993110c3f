package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mylo-james/myloware/internal/domain"
)

// newArtifact builds a ledger entry. The payload is marshaled here so
// callers pass plain structs or maps.
func newArtifact(runID, producer string, artifactType domain.ArtifactType, payload interface{}) (*domain.Artifact, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal artifact payload: %w", err)
		}
		raw = b
	}
	return &domain.Artifact{
		ArtifactID: "art_" + uuid.New().String()[:8],
		RunID:      runID,
		Producer:   producer,
		Type:       artifactType,
		Payload:    raw,
		CreatedAt:  time.Now(),
	}, nil
}

// runEvent builds the outbox entry that puts an artifact on the run event
// stream.
func runEvent(a *domain.Artifact) *domain.OutboxEntry {
	payload, _ := json.Marshal(a)
	return &domain.OutboxEntry{
		RunID:     a.RunID,
		Topic:     TopicRunEvents,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// notifyEvent builds an outbox entry bound for the notification channel.
func notifyEvent(runID string, payload interface{}) *domain.OutboxEntry {
	raw, _ := json.Marshal(payload)
	return &domain.OutboxEntry{
		RunID:     runID,
		Topic:     TopicNotifications,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
}
