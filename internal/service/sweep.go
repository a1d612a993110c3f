package service

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// RunGateSweep auto-approves soft gates whose decision window elapsed.
// Blocks until ctx is cancelled.
func (s *Service) RunGateSweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.GateSweepInterval)
	defer ticker.Stop()

	log.Printf("INFO: gate sweep running every %s", s.config.GateSweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredGates(ctx)
		}
	}
}

func (s *Service) sweepExpiredGates(ctx context.Context) {
	gates, err := s.store.ListExpiredSoftGates(ctx, 50)
	if err != nil {
		log.Printf("ERROR: failed to list expired gates: %v", err)
		return
	}
	for i := range gates {
		if err := s.autoApproveGate(ctx, &gates[i]); err != nil {
			log.Printf("ERROR: failed to auto-approve gate %s: %v", gates[i].GateID, err)
		}
	}
}

// RunWebhookRedrive re-applies admitted webhook events whose processing
// never completed, covering the window where the process died between
// admission and the job result landing. Blocks until ctx is cancelled.
func (s *Service) RunWebhookRedrive(ctx context.Context) {
	ticker := time.NewTicker(s.config.WebhookRetryInterval)
	defer ticker.Stop()

	log.Printf("INFO: webhook redrive running every %s", s.config.WebhookRetryInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.redriveUnprocessedWebhooks(ctx)
		}
	}
}

func (s *Service) redriveUnprocessedWebhooks(ctx context.Context) {
	// One interval of grace keeps the sweep off events an in-flight
	// delivery is still processing.
	cutoff := time.Now().Add(-s.config.WebhookRetryInterval)
	events, err := s.store.ListUnprocessedWebhookEvents(ctx, cutoff, 50)
	if err != nil {
		log.Printf("ERROR: failed to list unprocessed webhook events: %v", err)
		return
	}
	for i := range events {
		rec := &events[i]
		var evt ProviderEvent
		if err := json.Unmarshal(rec.RawPayload, &evt); err != nil {
			// Admitted payloads were validated at ingest; an unreadable
			// row is unrecoverable, stop retrying it.
			log.Printf("ERROR: unreadable admitted webhook %s: %v", rec.IdempotencyKey, err)
			if _, merr := s.store.MarkWebhookProcessed(ctx, rec.IdempotencyKey); merr != nil {
				log.Printf("WARN: failed to mark webhook %s processed: %v", rec.IdempotencyKey, merr)
			}
			continue
		}
		log.Printf("INFO: redriving webhook %s (deliveries=%d)", rec.IdempotencyKey, rec.Deliveries)
		if err := s.applyAdmitted(ctx, rec.Provider, &evt, rec.IdempotencyKey); err != nil {
			log.Printf("ERROR: failed to redrive webhook %s: %v", rec.IdempotencyKey, err)
		}
	}
}

// RunAdmissionPurge trims webhook admission records past the dedup TTL so
// the table stays bounded. Providers retry on the order of minutes; the
// default 24h window is far beyond any redelivery schedule.
func (s *Service) RunAdmissionPurge(ctx context.Context) {
	// Purging hourly is plenty for a TTL measured in hours.
	interval := s.config.WebhookDedupTTL / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.WebhookDedupTTL)
			n, err := s.store.PurgeWebhookEvents(ctx, cutoff)
			if err != nil {
				log.Printf("ERROR: failed to purge webhook events: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("INFO: purged %d webhook admission records", n)
			}
		}
	}
}
