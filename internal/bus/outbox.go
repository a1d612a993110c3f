package bus

import (
	"context"
	"log"
	"strconv"
	"time"

	store "github.com/mylo-james/myloware/internal/repository"
)

// Publisher drains the outbox table onto the bus. Entries are marked
// published only after the bus accepts them; a crash between the two
// yields redelivery, never loss.
type Publisher struct {
	store    store.Store
	bus      *Bus
	interval time.Duration
}

// NewPublisher creates an outbox publisher.
func NewPublisher(st store.Store, b *Bus, interval time.Duration) *Publisher {
	return &Publisher{store: st, bus: b, interval: interval}
}

// Run polls the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	entries, err := p.store.ListUnpublishedOutbox(ctx, 100)
	if err != nil {
		log.Printf("WARN: outbox poll failed: %v", err)
		return
	}
	for _, e := range entries {
		p.bus.Publish(Message{
			ID:      strconv.FormatInt(e.ID, 10),
			Topic:   e.Topic,
			Key:     e.RunID,
			Payload: e.Payload,
		})
		if err := p.store.MarkOutboxPublished(ctx, e.ID); err != nil {
			log.Printf("WARN: failed to mark outbox entry %d published: %v", e.ID, err)
			// Left unmarked; at-least-once redelivery on the next poll.
			return
		}
	}
}
