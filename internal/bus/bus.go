// Package bus is the in-process event delivery layer: a partitioned,
// consumer-group-based stream with at-least-once semantics and a
// dead-letter path. Messages for one key (run id) always land in the same
// partition, so per-run delivery order is preserved.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

// Message is one delivery on the bus.
type Message struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Attempt int             `json:"attempt"`
}

// Handler processes a message. A nil return acknowledges; an error causes
// redelivery until the retry budget is spent.
type Handler func(ctx context.Context, msg Message) error

// DeadLetterFunc receives messages that exhausted their retry budget.
type DeadLetterFunc func(ctx context.Context, msg Message, reason string)

type subscriber struct {
	group   string
	handler Handler
}

// Bus is a partitioned in-process message bus.
type Bus struct {
	partitions  []chan Message
	maxAttempts int
	retryDelay  time.Duration
	deadLetter  DeadLetterFunc

	mu   sync.RWMutex
	subs map[string][]subscriber

	wg sync.WaitGroup
}

// New creates a bus with the given partition count and per-consumer retry
// budget. deadLetter may be nil, in which case exhausted messages are only
// logged (tests).
func New(partitions, maxAttempts int, deadLetter DeadLetterFunc) *Bus {
	if partitions <= 0 {
		partitions = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := &Bus{
		partitions:  make([]chan Message, partitions),
		maxAttempts: maxAttempts,
		retryDelay:  50 * time.Millisecond,
		deadLetter:  deadLetter,
		subs:        make(map[string][]subscriber),
	}
	for i := range b.partitions {
		b.partitions[i] = make(chan Message, 256)
	}
	return b
}

// Subscribe registers a handler for a topic under a consumer group. One
// handler per (topic, group); a second registration for the same group
// replaces the first.
func (b *Bus) Subscribe(topic, group string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs[topic] {
		if s.group == group {
			b.subs[topic][i].handler = h
			return
		}
	}
	b.subs[topic] = append(b.subs[topic], subscriber{group: group, handler: h})
}

// Publish enqueues a message onto its key's partition. Blocks when the
// partition buffer is full rather than dropping.
func (b *Bus) Publish(msg Message) {
	b.partitions[b.partitionFor(msg.Key)] <- msg
}

func (b *Bus) partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.partitions)))
}

// Run starts one dispatcher per partition and blocks until ctx is
// cancelled and all partitions have drained their in-flight message.
func (b *Bus) Run(ctx context.Context) {
	for i := range b.partitions {
		b.wg.Add(1)
		go b.runPartition(ctx, i)
	}
	b.wg.Wait()
}

func (b *Bus) runPartition(ctx context.Context, idx int) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.partitions[idx]:
			b.dispatch(ctx, msg)
		}
	}
}

// dispatch delivers a message to every consumer group subscribed to its
// topic, in sequence, so per-partition ordering holds for each group.
func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[msg.Topic]))
	copy(subs, b.subs[msg.Topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(ctx, sub, msg)
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscriber, msg Message) {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		msg.Attempt = attempt
		if err := sub.handler(ctx, msg); err == nil {
			return
		} else {
			lastErr = err
		}
		if attempt < b.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryDelay):
			}
		}
	}

	reason := fmt.Sprintf("group %s exhausted %d attempts: %v", sub.group, b.maxAttempts, lastErr)
	log.Printf("ERROR: dead-lettering message %s on %s: %s", msg.ID, msg.Topic, reason)
	if b.deadLetter != nil {
		b.deadLetter(ctx, msg, reason)
	}
}
