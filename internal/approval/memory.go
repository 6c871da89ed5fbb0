package approval

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Resolve and
// ExpirePending mutate under one lock, which gives the same first-commit-wins
// semantics the SQL store gets from conditional updates.
type InMemory struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewInMemory creates an empty request store.
func NewInMemory() *InMemory {
	return &InMemory{requests: make(map[string]*Request)}
}

func (s *InMemory) Create(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.Status == StatusPending && existing.UserID == r.UserID && existing.Role == r.Role {
			return ErrConflict
		}
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemory) Resolve(ctx context.Context, id string, from, to Status, approver, reason string, at time.Time) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	r.Status = to
	r.Approver = approver
	r.ResolutionReason = reason
	r.ResolvedAt = at
	cp := *r
	return &cp, nil
}

func (s *InMemory) ListPending(ctx context.Context) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Request
	for _, r := range s.requests {
		if r.Status == StatusPending {
			res = append(res, *r)
		}
	}
	return res, nil
}

func (s *InMemory) ExpirePending(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Status == StatusPending && !r.ExpiresAt.After(cutoff) {
			r.Status = StatusExpired
			r.ResolvedAt = cutoff
			r.ResolutionReason = "expired"
			n++
		}
	}
	return n, nil
}
