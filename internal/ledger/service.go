package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store persists role events. AppendEvent must assign the monotonic sequence
// number atomically; EventsByUser returns events ordered by sequence ascending.
type Store interface {
	AppendEvent(ctx context.Context, e Event) (uint64, error)
	EventsByUser(ctx context.Context, userID string) ([]Event, error)
}

// Service is the sole mutation path for authorization state. Role changes go
// through Append; everything downstream derives from the event sequence.
type Service struct {
	store Store
	now   func() time.Time

	hookMu sync.RWMutex
	hooks  []func(userID string)
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the role ledger over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnAppend registers a hook invoked synchronously after every durably
// committed append, before Append returns to the caller. The permission
// evaluator uses this to invalidate its roles cache with no stale window.
func (s *Service) OnAppend(fn func(userID string)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Append records a grant or revoke for (userID, role) and returns the
// store-assigned sequence number. On storage failure no caller may assume the
// action took effect.
func (s *Service) Append(ctx context.Context, userID, role string, action Action, grantor, reason string) (uint64, error) {
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(strings.ToLower(role))
	grantor = strings.TrimSpace(grantor)
	if userID == "" || role == "" || grantor == "" {
		return 0, fmt.Errorf("%w: user_id, role and grantor are required", ErrInvalidInput)
	}
	if action != ActionGrant && action != ActionRevoke {
		return 0, fmt.Errorf("%w: unsupported action %s", ErrInvalidInput, action)
	}

	seq, err := s.store.AppendEvent(ctx, Event{
		UserID:      userID,
		Role:        role,
		Action:      action,
		Grantor:     grantor,
		Reason:      strings.TrimSpace(reason),
		EffectiveAt: s.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(userID)
	}
	return seq, nil
}

// ComputeActiveRoles derives the active role set for a user: per role, the
// event with the highest sequence number wins, and the role is active iff
// that event is a grant. Identical event sequences always yield identical
// results.
func (s *Service) ComputeActiveRoles(ctx context.Context, userID string) (map[string]struct{}, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	events, err := s.store.EventsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	type latest struct {
		seq    uint64
		action Action
	}
	last := make(map[string]latest)
	for _, e := range events {
		if cur, ok := last[e.Role]; ok && cur.seq > e.Sequence {
			continue
		}
		last[e.Role] = latest{seq: e.Sequence, action: e.Action}
	}

	active := make(map[string]struct{}, len(last))
	for role, l := range last {
		if l.action == ActionGrant {
			active[role] = struct{}{}
		}
	}
	return active, nil
}

// History returns the full immutable trail for a user, ordered by sequence.
func (s *Service) History(ctx context.Context, userID string) ([]Event, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	events, err := s.store.EventsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return events, nil
}
