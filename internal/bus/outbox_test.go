package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/tests/helpers"
)

func TestPublisherDrainsOutbox(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)

	run := &domain.Run{
		RunID:    "r1",
		Pipeline: "p",
		Spec: domain.PipelineSpec{
			Name:   "p",
			Stages: []domain.StageSpec{{Name: "s", Handler: "h"}},
		},
		Status:    domain.RunStatusCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	outs := []*domain.OutboxEntry{
		{RunID: "r1", Topic: "run.events", CreatedAt: time.Now()},
		{RunID: "r1", Topic: "notify", CreatedAt: time.Now()},
	}
	assert.NoError(t, s.CreateRun(ctx, run, nil, outs...))

	b := New(2, 1, nil)
	var mu sync.Mutex
	topics := map[string]int{}
	for _, topic := range []string{"run.events", "notify"} {
		b.Subscribe(topic, "g", func(ctx context.Context, msg Message) error {
			mu.Lock()
			topics[msg.Topic]++
			mu.Unlock()
			return nil
		})
	}
	startBus(t, b)

	p := NewPublisher(s, b, 10*time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.Run(runCtx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return topics["run.events"] == 1 && topics["notify"] == 1
	})

	// Both entries are stamped; nothing to drain next poll.
	waitFor(t, func() bool {
		remaining, err := s.ListUnpublishedOutbox(ctx, 10)
		return err == nil && len(remaining) == 0
	})
}
