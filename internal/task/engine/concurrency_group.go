package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore. Tokens are pre-filled up to
// limit, which is fixed for the life of the semaphore.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

func (g *groupSemaphore) inUse() int {
	if g == nil {
		return 0
	}
	return g.limit - len(g.ch)
}

// groupKey derives the effective group key.
func groupKey(concurrencyKey, name string) string {
	k := strings.TrimSpace(concurrencyKey)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

// groupLimiterStore holds semaphores for named queues ("queue:payments")
// and explicit concurrency keys ("key:<ConcurrencyKey>"). The engine swaps
// the whole store when the queue limits change.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func newGroupLimiterStore() *groupLimiterStore {
	return &groupLimiterStore{groups: make(map[string]*groupSemaphore)}
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if s == nil || limit <= 0 || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gs := s.groups[key]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[key] = gs
	}
	return gs
}

// groupFor picks the semaphore that gates qt. An explicit per-task limit
// wins over the queue limit.
func (s *Service) groupFor(qt *queuedTask) *groupSemaphore {
	s.mu.Lock()
	groups := s.groups
	queueLimit := s.cfg.Queues[qt.task.Queue]
	s.mu.Unlock()

	if qt.opt.ConcurrencyLimit > 0 {
		k := groupKey(qt.task.ConcurrencyKey, qt.task.Name)
		if k != "" {
			return groups.get("key:"+k, qt.opt.ConcurrencyLimit)
		}
	}
	if qt.task.Queue != "" && queueLimit > 0 {
		return groups.get("queue:"+qt.task.Queue, queueLimit)
	}
	return nil
}

// QueueUsage reports running executions per limited queue.
func (s *Service) QueueUsage() map[string]int {
	s.mu.Lock()
	groups := s.groups
	s.mu.Unlock()

	out := map[string]int{}
	groups.mu.Lock()
	defer groups.mu.Unlock()
	for k, gs := range groups.groups {
		if name, ok := strings.CutPrefix(k, "queue:"); ok {
			out[name] = gs.inUse()
		}
	}
	return out
}
