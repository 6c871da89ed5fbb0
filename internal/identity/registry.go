package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"icegate.org/internal/audit"
	"icegate.org/internal/ids"
	"icegate.org/internal/ledger"
)

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrConflict     = errors.New("identity: already exists")
	ErrInvalidInput = errors.New("identity: invalid input")
)

// DefaultRole is granted to every user on first sight.
const DefaultRole = "member"

// Store persists user records.
type Store interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) (*User, error)
	UpdateStatus(ctx context.Context, id, status string) (*User, error)
}

// Registry resolves external identifiers to internal user records.
type Registry struct {
	store  Store
	ledger *ledger.Service
	audit  *audit.Logger
	now    func() time.Time

	// enrollMu serializes user creation with the enrollment grant so a
	// concurrent resolve cannot observe the record without its grant and
	// backfill a duplicate.
	enrollMu sync.Mutex
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs the identity registry. The ledger is required: first
// sight of a user appends the default role grant.
func NewRegistry(store Store, led *ledger.Service, auditLog *audit.Logger, opts ...Option) *Registry {
	r := &Registry{store: store, ledger: led, audit: auditLog, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveOrCreate maps an external identifier to a user record, creating one
// with the default minimal role on first sight. Idempotent: repeated calls
// with the same external id return the same user and never mutate identity
// fields.
func (r *Registry) ResolveOrCreate(ctx context.Context, externalID, displayName string) (User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return User{}, fmt.Errorf("%w: external_id is required", ErrInvalidInput)
	}

	if u, err := r.store.FindByExternalID(ctx, externalID); err == nil {
		if err := r.ensureDefaultRole(ctx, u.ID); err != nil {
			return User{}, err
		}
		return *u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	r.enrollMu.Lock()
	defer r.enrollMu.Unlock()

	// Re-check under the lock: a concurrent first sight may have finished
	// enrollment while we waited.
	if u, err := r.store.FindByExternalID(ctx, externalID); err == nil {
		if err := r.ensureDefaultRoleLocked(ctx, u.ID); err != nil {
			return User{}, err
		}
		return *u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	now := r.now().UTC()
	u := &User{
		ID:          ids.New(),
		ExternalID:  externalID,
		DisplayName: strings.TrimSpace(displayName),
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, u); err != nil {
		// Lost a concurrent first-sight race: the winner's record is the user.
		if errors.Is(err, ErrConflict) {
			existing, ferr := r.store.FindByExternalID(ctx, externalID)
			if ferr != nil {
				return User{}, ferr
			}
			if rerr := r.ensureDefaultRoleLocked(ctx, existing.ID); rerr != nil {
				return User{}, rerr
			}
			return *existing, nil
		}
		return User{}, err
	}

	if _, err := r.ledger.Append(ctx, u.ID, DefaultRole, ledger.ActionGrant, "system", "initial enrollment"); err != nil {
		// The user exists but carries no roles; deny-by-default keeps this safe.
		return User{}, err
	}
	return *u, nil
}

// ensureDefaultRole repairs a user whose record was created but whose default
// grant never reached the ledger, which happens when the enrollment append
// failed mid-flight. A user with any default-role history is left alone; a
// later deliberate revoke must stay revoked.
func (r *Registry) ensureDefaultRole(ctx context.Context, userID string) error {
	ok, err := r.hasDefaultRoleHistory(ctx, userID)
	if err != nil || ok {
		return err
	}
	r.enrollMu.Lock()
	defer r.enrollMu.Unlock()
	return r.ensureDefaultRoleLocked(ctx, userID)
}

func (r *Registry) ensureDefaultRoleLocked(ctx context.Context, userID string) error {
	ok, err := r.hasDefaultRoleHistory(ctx, userID)
	if err != nil || ok {
		return err
	}
	_, err = r.ledger.Append(ctx, userID, DefaultRole, ledger.ActionGrant, "system", "initial enrollment")
	return err
}

func (r *Registry) hasDefaultRoleHistory(ctx context.Context, userID string) (bool, error) {
	events, err := r.ledger.History(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Role == DefaultRole {
			return true, nil
		}
	}
	return false, nil
}

// Get returns a user by internal id.
func (r *Registry) Get(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	u, err := r.store.Find(ctx, userID)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// UpdateProfile changes display fields only. It is not an authorization
// operation and is excluded from the role ledger.
func (r *Registry) UpdateProfile(ctx context.Context, userID, displayName string) (User, error) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if userID == "" || displayName == "" {
		return User{}, fmt.Errorf("%w: user_id and display_name are required", ErrInvalidInput)
	}
	u, err := r.store.UpdateDisplayName(ctx, userID, displayName)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// Deactivate marks a user inactive. Users are never deleted.
func (r *Registry) Deactivate(ctx context.Context, userID, actor string) (User, error) {
	userID = strings.TrimSpace(userID)
	actor = strings.TrimSpace(actor)
	if userID == "" || actor == "" {
		return User{}, fmt.Errorf("%w: user_id and actor are required", ErrInvalidInput)
	}
	u, err := r.store.UpdateStatus(ctx, userID, StatusDeactivated)
	if err != nil {
		return User{}, err
	}
	r.audit.Record(ctx, audit.Event{
		Actor:     actor,
		Operation: "identity.deactivate",
		Resource:  userID,
		Granted:   true,
		Reason:    "user deactivated",
	})
	return *u, nil
}
