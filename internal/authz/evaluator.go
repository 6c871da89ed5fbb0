package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"icegate.org/internal/audit"
	"icegate.org/internal/ledger"
	"icegate.org/internal/obs"
)

var (
	// ErrUnknownPermission rejects names outside the catalog synchronously,
	// with no partial effect.
	ErrUnknownPermission = errors.New("authz: unknown permission")

	ErrInvalidInput = errors.New("authz: invalid input")
)

const defaultCacheTTL = 5 * time.Minute

// Decision is the outcome of one permission evaluation. A denial is a normal
// outcome, not an error.
type Decision struct {
	Granted       bool
	Permission    string
	RequiredRoles []string
	Tier          Tier
	MFARequired   bool
	DenialReason  string
}

// Evaluator computes whether a permission is granted and whether MFA step-up
// is additionally required. Active roles are cached per user with a bounded
// TTL; any ledger append for a user invalidates that user's entry before the
// append returns.
type Evaluator struct {
	ledger *ledger.Service
	audit  *audit.Logger
	cache  *rolesCache
	now    func() time.Time

	catalogMu sync.RWMutex
	catalog   *Catalog
}

// EvaluatorOption configures Evaluator behavior.
type EvaluatorOption func(*evalConfig)

type evalConfig struct {
	ttl time.Duration
	now func() time.Time
}

// WithCacheTTL overrides the active-roles cache lifetime.
func WithCacheTTL(ttl time.Duration) EvaluatorOption {
	return func(c *evalConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EvaluatorOption {
	return func(c *evalConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewEvaluator constructs the evaluator and registers its cache invalidation
// hook on the ledger.
func NewEvaluator(led *ledger.Service, auditLog *audit.Logger, catalog *Catalog, opts ...EvaluatorOption) *Evaluator {
	cfg := evalConfig{ttl: defaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	e := &Evaluator{
		ledger:  led,
		audit:   auditLog,
		cache:   newRolesCache(cfg.ttl, cfg.now),
		now:     cfg.now,
		catalog: catalog,
	}
	led.OnAppend(e.cache.invalidate)
	return e
}

// Evaluate decides one permission check. Every call, granted or denied,
// produces exactly one audit event. On a storage failure the decision is
// denied, never granted.
func (e *Evaluator) Evaluate(ctx context.Context, userID, permission string, callCtx map[string]string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	permission = strings.TrimSpace(strings.ToLower(permission))
	if userID == "" || permission == "" {
		return Decision{DenialReason: "invalid input"}, fmt.Errorf("%w: user_id and permission are required", ErrInvalidInput)
	}

	e.catalogMu.RLock()
	perm, known := e.catalog.Lookup(permission)
	e.catalogMu.RUnlock()
	if !known {
		d := Decision{Permission: permission, DenialReason: "unknown permission"}
		e.record(ctx, userID, d, callCtx)
		return d, fmt.Errorf("%w: %s", ErrUnknownPermission, permission)
	}

	d := Decision{
		Permission:    perm.Name,
		RequiredRoles: perm.Roles,
		Tier:          perm.Tier,
		MFARequired:   perm.Tier == TierAdministrative,
	}

	roles, err := e.activeRoles(ctx, userID)
	if err != nil {
		// Fail closed: an unreliable role computation never grants.
		d.DenialReason = "active roles unavailable"
		e.record(ctx, userID, d, callCtx)
		return d, err
	}

	for _, required := range perm.Roles {
		if _, ok := roles[required]; ok {
			d.Granted = true
			break
		}
	}
	if !d.Granted {
		d.DenialReason = "missing required role"
	}
	e.record(ctx, userID, d, callCtx)
	return d, nil
}

// Reload swaps the catalog from a JSON file. The swap is atomic and emits an
// audit event naming the acting user.
func (e *Evaluator) Reload(ctx context.Context, path, actor string) error {
	catalog, err := LoadCatalog(path)
	if err != nil {
		e.audit.Record(ctx, audit.Event{
			Actor:     actor,
			Operation: "authz.catalog_reload",
			Resource:  path,
			Granted:   false,
			Reason:    err.Error(),
		})
		return err
	}
	e.catalogMu.Lock()
	e.catalog = catalog
	e.catalogMu.Unlock()

	e.audit.Record(ctx, audit.Event{
		Actor:     actor,
		Operation: "authz.catalog_reload",
		Resource:  path,
		Granted:   true,
		Reason:    fmt.Sprintf("%d permissions loaded", len(catalog.perms)),
	})
	return nil
}

// Permissions returns the currently loaded permission names.
func (e *Evaluator) Permissions() []string {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	return e.catalog.Names()
}

func (e *Evaluator) activeRoles(ctx context.Context, userID string) (map[string]struct{}, error) {
	if roles, ok := e.cache.get(userID); ok {
		obs.RolesCacheHits.Inc()
		return roles, nil
	}
	obs.RolesCacheMisses.Inc()
	gen := e.cache.generation(userID)
	roles, err := e.ledger.ComputeActiveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.cache.set(userID, roles, gen)
	return roles, nil
}

func (e *Evaluator) record(ctx context.Context, userID string, d Decision, callCtx map[string]string) {
	obs.DecisionsTotal.WithLabelValues(d.Permission, strconv.FormatBool(d.Granted)).Inc()

	fields := make(map[string]string, len(callCtx)+2)
	for k, v := range callCtx {
		fields[k] = v
	}
	fields["tier"] = string(d.Tier)
	if len(d.RequiredRoles) > 0 {
		sorted := append([]string(nil), d.RequiredRoles...)
		sort.Strings(sorted)
		fields["required_roles"] = strings.Join(sorted, ",")
	}

	reason := d.DenialReason
	if d.Granted {
		reason = "granted"
	}
	e.audit.Record(ctx, audit.Event{
		Actor:     userID,
		Operation: "authz.evaluate",
		Resource:  d.Permission,
		Granted:   d.Granted,
		Reason:    reason,
		Context:   fields,
	})
}
