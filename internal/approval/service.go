package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"icegate.org/internal/audit"
	"icegate.org/internal/authz"
	"icegate.org/internal/ids"
	"icegate.org/internal/ledger"
	"icegate.org/internal/obs"
)

var (
	ErrNotFound     = errors.New("approval: not found")
	ErrConflict     = errors.New("approval: resource conflict")
	ErrInvalidInput = errors.New("approval: invalid input")
	ErrNotAdmin     = errors.New("approval: approver lacks administrative role")
)

// DefaultExpiry is how long a pending request stays actionable.
const DefaultExpiry = 7 * 24 * time.Hour

// Store persists approval requests. Resolve must perform the status
// transition optimistically: it succeeds only when the stored status equals
// from, so the first concurrent transition wins and later ones get
// ErrConflict with no side effect.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Find(ctx context.Context, id string) (*Request, error)
	Resolve(ctx context.Context, id string, from, to Status, approver, reason string, at time.Time) (*Request, error)
	ListPending(ctx context.Context) ([]Request, error)
	ExpirePending(ctx context.Context, cutoff time.Time) (int, error)
}

// Service gates role grants behind administrative approval.
type Service struct {
	store  Store
	ledger *ledger.Service
	audit  *audit.Logger
	expiry time.Duration
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithExpiry overrides the pending-request lifetime.
func WithExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the approval workflow.
func NewService(store Store, led *ledger.Service, auditLog *audit.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: led,
		audit:  auditLog,
		expiry: DefaultExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestRoleGrant queues a role grant for approval. A second request for the
// same (user, role) while one is still pending fails with ErrConflict.
func (s *Service) RequestRoleGrant(ctx context.Context, userID, role, requester, reason string) (Request, error) {
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(strings.ToLower(role))
	requester = strings.TrimSpace(requester)
	if userID == "" || role == "" || requester == "" {
		return Request{}, fmt.Errorf("%w: user_id, role and requester are required", ErrInvalidInput)
	}

	now := s.now().UTC()
	req := &Request{
		ID:        ids.New(),
		UserID:    userID,
		Role:      role,
		Status:    StatusPending,
		Requester: requester,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: now,
		ExpiresAt: now.Add(s.expiry),
	}
	if err := s.store.Create(ctx, req); err != nil {
		return Request{}, err
	}

	obs.ApprovalTransitions.WithLabelValues(string(StatusPending)).Inc()
	s.audit.Record(ctx, audit.Event{
		Actor:     requester,
		Operation: "approval.requested",
		Resource:  req.ID,
		Granted:   true,
		Reason:    req.Reason,
		Context:   map[string]string{"user_id": userID, "role": role},
	})
	return *req, nil
}

// Approve resolves a pending request and appends the grant to the role
// ledger. The approver's administrative role is checked live against the
// ledger, never from a cache, so a just-revoked admin cannot approve. A
// request already out of pending, or pending past its expiry, fails with
// ErrConflict and performs no ledger mutation.
func (s *Service) Approve(ctx context.Context, requestID, approverID, reason string) (Request, error) {
	req, err := s.resolve(ctx, requestID, approverID, reason, StatusApproved, "approval.approved")
	if err != nil {
		return Request{}, err
	}

	if _, err := s.ledger.Append(ctx, req.UserID, req.Role, ledger.ActionGrant, approverID, reason); err != nil {
		// The request is resolved but the grant did not commit; surface the
		// storage failure so the caller never assumes the grant took effect.
		s.audit.Record(ctx, audit.Event{
			Actor:     approverID,
			Operation: "approval.grant_failed",
			Resource:  req.ID,
			Granted:   false,
			Reason:    err.Error(),
			Context:   map[string]string{"user_id": req.UserID, "role": req.Role},
		})
		return Request{}, err
	}
	return req, nil
}

// Reject resolves a pending request without any ledger effect.
func (s *Service) Reject(ctx context.Context, requestID, approverID, reason string) (Request, error) {
	return s.resolve(ctx, requestID, approverID, reason, StatusRejected, "approval.rejected")
}

func (s *Service) resolve(ctx context.Context, requestID, approverID, reason string, to Status, operation string) (Request, error) {
	requestID = strings.TrimSpace(requestID)
	approverID = strings.TrimSpace(approverID)
	if requestID == "" || approverID == "" {
		return Request{}, fmt.Errorf("%w: request_id and approver_id are required", ErrInvalidInput)
	}

	req, err := s.store.Find(ctx, requestID)
	if err != nil {
		return Request{}, err
	}

	// A request past its expiry is final even before the sweeper reaches
	// it: expire it here and refuse the resolution.
	if req.Status == StatusPending && !s.now().UTC().Before(req.ExpiresAt) {
		if _, err := s.store.Resolve(ctx, requestID, StatusPending, StatusExpired, "system", "expired", s.now().UTC()); err == nil {
			obs.ApprovalTransitions.WithLabelValues(string(StatusExpired)).Inc()
			s.audit.Record(ctx, audit.Event{
				Actor:     "system",
				Operation: "approval.expired",
				Resource:  requestID,
				Granted:   true,
				Reason:    "expired before resolution",
			})
		} else if !errors.Is(err, ErrConflict) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: request expired", ErrConflict)
	}

	roles, err := s.ledger.ComputeActiveRoles(ctx, approverID)
	if err != nil {
		return Request{}, err
	}
	if _, ok := roles[authz.AdminRole]; !ok {
		s.audit.Record(ctx, audit.Event{
			Actor:     approverID,
			Operation: operation,
			Resource:  requestID,
			Granted:   false,
			Reason:    "approver lacks administrative role",
		})
		return Request{}, ErrNotAdmin
	}

	resolved, err := s.store.Resolve(ctx, requestID, StatusPending, to, approverID, strings.TrimSpace(reason), s.now().UTC())
	if err != nil {
		return Request{}, err
	}

	obs.ApprovalTransitions.WithLabelValues(string(to)).Inc()
	s.audit.Record(ctx, audit.Event{
		Actor:     approverID,
		Operation: operation,
		Resource:  requestID,
		Granted:   true,
		Reason:    resolved.ResolutionReason,
		Context:   map[string]string{"user_id": resolved.UserID, "role": resolved.Role},
	})
	return *resolved, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, requestID string) (Request, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Request{}, fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	req, err := s.store.Find(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	return *req, nil
}

// ListPending returns unresolved requests for the command layer.
func (s *Service) ListPending(ctx context.Context) ([]Request, error) {
	return s.store.ListPending(ctx)
}

// SweepExpired transitions every pending request past its expiry to expired
// and returns the count. Each transition is idempotent, so concurrent sweeps
// are safe without coordination.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	n, err := s.store.ExpirePending(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.ApprovalTransitions.WithLabelValues(string(StatusExpired)).Add(float64(n))
		s.audit.Record(ctx, audit.Event{
			Actor:     "system",
			Operation: "approval.expired",
			Resource:  "sweep",
			Granted:   true,
			Reason:    fmt.Sprintf("%d requests expired", n),
		})
	}
	return n, nil
}
