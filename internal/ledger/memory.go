package ledger

import (
	"context"
	"sync"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	seq    uint64
	events []Event
}

// NewInMemory creates a fresh event log.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) AppendEvent(ctx context.Context, e Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Sequence = s.seq
	s.events = append(s.events, e)
	return e.Sequence, nil
}

func (s *InMemory) EventsByUser(ctx context.Context, userID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Event
	for _, e := range s.events {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	return res, nil
}
