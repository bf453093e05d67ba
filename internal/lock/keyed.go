package lock

import (
	"context"
	"sync"
	"time"
)

// Keyed is a set of in-process mutexes addressed by string key. A caller
// acquires the lock for one key with a bounded wait; other keys are
// unaffected. Used to serialize dataset ingestion per (workspace, source).
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Acquire takes the lock for key, waiting at most wait. It returns a release
// function on success and false when the wait expired or ctx was cancelled.
// When several goroutines block on one key, the runtime picks which of them
// receives the hand-off; the wait is bounded but not FIFO.
func (k *Keyed) Acquire(ctx context.Context, key string, wait time.Duration) (func(), bool) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-s.ch:
		return func() { k.release(key, s) }, true
	case <-timer.C:
		k.drop(key, s)
		return nil, false
	case <-ctx.Done():
		k.drop(key, s)
		return nil, false
	}
}

func (k *Keyed) release(key string, s *slot) {
	s.ch <- struct{}{}
	k.drop(key, s)
}

func (k *Keyed) drop(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
