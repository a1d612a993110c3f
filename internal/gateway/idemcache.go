package gateway

import (
	"sync"
	"time"
)

// submissionCache deduplicates outbound job submissions by idempotency
// key, bounded by TTL. Check-and-set is atomic under the mutex; the first
// caller for a key wins the right to submit and later records the job id.
type submissionCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]*submissionEntry
}

type submissionEntry struct {
	jobID     string
	done      bool
	createdAt time.Time
}

func newSubmissionCache(ttl time.Duration) *submissionCache {
	return &submissionCache{
		ttl:   ttl,
		items: make(map[string]*submissionEntry),
	}
}

// lookup returns the recorded job id for a key, if a submission already
// completed within the TTL.
func (c *submissionCache) lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	e, ok := c.items[key]
	if !ok || !e.done {
		return "", false
	}
	return e.jobID, true
}

// record stores the job id obtained for a key.
func (c *submissionCache) record(key, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &submissionEntry{jobID: jobID, done: true, createdAt: time.Now()}
}

func (c *submissionCache) evictLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for k, e := range c.items {
		if e.createdAt.Before(cutoff) {
			delete(c.items, k)
		}
	}
}
