package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mylo-james/myloware/internal/bus"
	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/observability"
)

// RegisterConsumers subscribes the service's consumer groups on the bus.
// The notifier forwards notification-topic payloads to the configured
// channel; a delivery failure is retried by the bus and dead-lettered when
// the budget runs out.
func (s *Service) RegisterConsumers(b *bus.Bus) {
	b.Subscribe(TopicNotifications, GroupNotifier, func(ctx context.Context, msg bus.Message) error {
		if !s.notifier.Enabled() {
			return nil
		}
		if err := s.notifier.Post(ctx, msg.Payload); err != nil {
			return fmt.Errorf("notification delivery: %w", err)
		}
		return nil
	})
}

// DeadLetterSink returns the bus callback that lands exhausted messages in
// the dead-letter table.
func (s *Service) DeadLetterSink() bus.DeadLetterFunc {
	return func(ctx context.Context, msg bus.Message, reason string) {
		dl := &domain.DeadLetter{
			MessageID: msg.ID,
			Topic:     msg.Topic,
			RunID:     msg.Key,
			Payload:   msg.Payload,
			Reason:    reason,
			FailedAt:  time.Now(),
		}
		if err := s.store.InsertDeadLetter(ctx, dl); err != nil {
			log.Printf("ERROR: failed to store dead letter for message %s: %v", msg.ID, err)
			return
		}
		observability.DeadLetters.Inc()
		log.Printf("WARN: message %s on %s dead-lettered: %s", msg.ID, msg.Topic, reason)
	}
}

// Dead letter replay errors.
var (
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrDeadLetterReplayed = errors.New("dead letter already replayed")
)

// ReplayDeadLetter republishes a dead letter onto its original topic and
// marks it replayed. Replaying an already-replayed entry is rejected so an
// operator cannot double-fire a notification by accident. Publication
// happens before the mark: a crash between the two leaves the entry
// unmarked and replayable again, trading a possible duplicate delivery for
// never losing the replay.
func (s *Service) ReplayDeadLetter(ctx context.Context, b *bus.Bus, id int64) (*domain.DeadLetter, error) {
	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl == nil {
		return nil, fmt.Errorf("%w: %d", ErrDeadLetterNotFound, id)
	}
	if dl.ReplayedAt != nil {
		return nil, fmt.Errorf("%w: %d", ErrDeadLetterReplayed, id)
	}
	b.Publish(bus.Message{
		ID:      fmt.Sprintf("replay-%d", dl.ID),
		Topic:   dl.Topic,
		Key:     dl.RunID,
		Payload: dl.Payload,
	})
	first, err := s.store.MarkDeadLetterReplayed(ctx, id)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, fmt.Errorf("%w: %d", ErrDeadLetterReplayed, id)
	}
	log.Printf("INFO: dead letter %d replayed onto %s", dl.ID, dl.Topic)
	return dl, nil
}
