package gate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a bounded in-process redemption set. It is only safe for a
// single-process gate; scaled-out deployments use the postgres store, whose
// insert-or-conflict gives the same check-and-set across processes.
type MemoryStore struct {
	mu  sync.Mutex
	max int
	ttl time.Duration

	redeemed map[string]time.Time
	order    []string
}

// NewMemoryStore bounds the set at max entries, but an entry is only evicted
// once older than ttl, when the proof it guards is already expired. Under a
// redemption burst the set grows past max rather than reopen replay; ttl must
// match the gate's proof TTL.
func NewMemoryStore(max int, ttl time.Duration) *MemoryStore {
	if max <= 0 {
		max = 100_000
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryStore{
		max:      max,
		ttl:      ttl,
		redeemed: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Redeem(_ context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, spent := s.redeemed[key]; spent {
		return false, nil
	}
	for len(s.order) >= s.max {
		oldest := s.order[0]
		if at.Sub(s.redeemed[oldest]) <= s.ttl {
			break
		}
		s.order = s.order[1:]
		delete(s.redeemed, oldest)
	}
	s.redeemed[key] = at
	s.order = append(s.order, key)
	return true, nil
}

// Len reports the number of live redemption keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redeemed)
}
