package service

import "sync"

// runLocks serializes all state mutation per run id. Each run has a single
// logical writer; throughput scales across runs, not within one. Entries
// are reference-counted and evicted when the last holder unlocks, so the
// map does not grow with the number of runs ever seen.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// runUnlocker releases one hold on a run's lock.
type runUnlocker struct {
	r  *runLocks
	id string
	l  *runLock
}

func (r *runLocks) lock(runID string) *runUnlocker {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = make(map[string]*runLock)
	}
	l, ok := r.locks[runID]
	if !ok {
		l = &runLock{}
		r.locks[runID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return &runUnlocker{r: r, id: runID, l: l}
}

func (u *runUnlocker) Unlock() {
	u.l.mu.Unlock()

	u.r.mu.Lock()
	u.l.refs--
	if u.l.refs == 0 {
		delete(u.r.locks, u.id)
	}
	u.r.mu.Unlock()
}

// held reports the number of run ids currently holding or awaiting a lock.
func (r *runLocks) held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
