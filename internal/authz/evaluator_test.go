package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"icegate.org/internal/audit"
	"icegate.org/internal/ledger"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *ledger.Service, *audit.InMemoryStore) {
	t.Helper()
	led := ledger.NewService(ledger.NewInMemory())
	sink := audit.NewInMemoryStore()
	e := NewEvaluator(led, audit.NewLogger(sink), DefaultCatalog())
	return e, led, sink
}

func TestDefaultRoleDeniedOperationalPermission(t *testing.T) {
	e, led, _ := newTestEvaluator(t)
	ctx := context.Background()

	if _, err := led.Append(ctx, "u1", "member", ledger.ActionGrant, "system", "initial"); err != nil {
		t.Fatal(err)
	}

	d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Fatal("member must not hold operational permissions")
	}
	if d.DenialReason != "missing required role" {
		t.Fatalf("unexpected denial reason: %s", d.DenialReason)
	}

	d, err = e.Evaluate(ctx, "u1", PermReportRead, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Fatal("member should read reports")
	}
}

func TestRevocationVisibleThroughCache(t *testing.T) {
	e, led, _ := newTestEvaluator(t)
	ctx := context.Background()

	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionGrant, "admin-1", "onboarding"); err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil)
	if err != nil || !d.Granted {
		t.Fatalf("expected grant before revoke, got %+v err=%v", d, err)
	}

	// The evaluation above cached the role set. The revoke must invalidate it
	// before Append returns.
	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionRevoke, "admin-1", "offboarding"); err != nil {
		t.Fatal(err)
	}
	d, err = e.Evaluate(ctx, "u1", PermReportPublish, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Fatal("stale cache granted a revoked role")
	}
}

func TestUnknownPermission(t *testing.T) {
	e, _, sink := newTestEvaluator(t)

	d, err := e.Evaluate(context.Background(), "u1", "fleet.launch", nil)
	if !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
	if d.Granted {
		t.Fatal("unknown permission must never grant")
	}

	events, err := sink.Query(context.Background(), audit.Filter{Operation: "authz.evaluate"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(events))
	}
}

func TestAdministrativeTierRequiresMFA(t *testing.T) {
	e, led, _ := newTestEvaluator(t)
	ctx := context.Background()

	if _, err := led.Append(ctx, "a1", AdminRole, ledger.ActionGrant, "system", "bootstrap"); err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(ctx, "a1", PermRoleApprove, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted || !d.MFARequired {
		t.Fatalf("administrative permission should grant with MFA required: %+v", d)
	}

	d, err = e.Evaluate(ctx, "a1", PermReportRead, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.MFARequired {
		t.Fatal("public tier must not require MFA")
	}
}

type flakyStore struct {
	mu      sync.Mutex
	inner   *ledger.InMemory
	failing bool
}

func (f *flakyStore) AppendEvent(ctx context.Context, e ledger.Event) (uint64, error) {
	return f.inner.AppendEvent(ctx, e)
}

func (f *flakyStore) EventsByUser(ctx context.Context, userID string) ([]ledger.Event, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return nil, errors.New("connection reset")
	}
	return f.inner.EventsByUser(ctx, userID)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func TestStorageFailureFailsClosed(t *testing.T) {
	store := &flakyStore{inner: ledger.NewInMemory()}
	led := ledger.NewService(store)
	sink := audit.NewInMemoryStore()
	e := NewEvaluator(led, audit.NewLogger(sink), DefaultCatalog())
	ctx := context.Background()

	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionGrant, "admin-1", ""); err != nil {
		t.Fatal(err)
	}
	store.setFailing(true)

	d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil)
	if err == nil {
		t.Fatal("expected an error from an unreliable store")
	}
	if d.Granted {
		t.Fatal("fail-closed violated: storage failure granted access")
	}

	events, qerr := sink.Query(ctx, audit.Filter{Operation: "authz.evaluate"})
	if qerr != nil {
		t.Fatal(qerr)
	}
	if len(events) != 1 || events[0].Granted {
		t.Fatalf("denied decision must still be audited: %v", events)
	}
}

// gatedStore lets a test pause one EventsByUser call after the events have
// been read, so an append can land in the middle of a cache fill.
type gatedStore struct {
	inner   *ledger.InMemory
	arm     chan struct{}
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) AppendEvent(ctx context.Context, e ledger.Event) (uint64, error) {
	return g.inner.AppendEvent(ctx, e)
}

func (g *gatedStore) EventsByUser(ctx context.Context, userID string) ([]ledger.Event, error) {
	events, err := g.inner.EventsByUser(ctx, userID)
	select {
	case <-g.arm:
		close(g.entered)
		<-g.release
	default:
	}
	return events, err
}

func TestConcurrentAppendNotShadowedByCacheFill(t *testing.T) {
	store := &gatedStore{
		inner:   ledger.NewInMemory(),
		arm:     make(chan struct{}, 1),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	led := ledger.NewService(store)
	e := NewEvaluator(led, audit.NewLogger(audit.NewInMemoryStore()), DefaultCatalog())
	ctx := context.Background()

	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionGrant, "admin-1", "onboarding"); err != nil {
		t.Fatal(err)
	}

	// This evaluation reads the pre-revoke events, then parks before the
	// result reaches the cache.
	store.arm <- struct{}{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Evaluate(ctx, "u1", PermReportPublish, nil); err != nil {
			t.Error(err)
		}
	}()

	<-store.entered
	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionRevoke, "admin-1", "offboarding"); err != nil {
		t.Fatal(err)
	}
	close(store.release)
	<-done

	// The parked fill carried the pre-revoke role set; it must not have been
	// written back over the revoke's invalidation.
	d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Fatal("cache fill raced the revoke and served a stale role set")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	store := &flakyStore{inner: ledger.NewInMemory()}
	led := ledger.NewService(store)
	e := NewEvaluator(led, audit.NewLogger(audit.NewInMemoryStore()), DefaultCatalog(),
		WithCacheTTL(time.Minute), WithClock(now))
	ctx := context.Background()

	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionGrant, "admin-1", ""); err != nil {
		t.Fatal(err)
	}
	if d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil); err != nil || !d.Granted {
		t.Fatalf("warm-up evaluate failed: %+v err=%v", d, err)
	}

	// Within TTL the cached entry serves even when the store is down.
	store.setFailing(true)
	current = current.Add(30 * time.Second)
	if d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil); err != nil || !d.Granted {
		t.Fatalf("cached entry not used within TTL: %+v err=%v", d, err)
	}

	// Past TTL the evaluator must recompute, and fail closed here.
	current = current.Add(2 * time.Minute)
	if d, err := e.Evaluate(ctx, "u1", PermReportPublish, nil); err == nil || d.Granted {
		t.Fatalf("expired entry served: %+v err=%v", d, err)
	}
}

func TestCatalogReload(t *testing.T) {
	e, led, sink := newTestEvaluator(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "catalog.json")
	body := `[
		{"name": "report.read", "roles": ["member"], "tier": "public"},
		{"name": "report.archive", "roles": ["operator"], "tier": "operational"}
	]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := e.Reload(ctx, path, "admin-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := led.Append(ctx, "u1", "operator", ledger.ActionGrant, "admin-1", ""); err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(ctx, "u1", "report.archive", nil)
	if err != nil || !d.Granted {
		t.Fatalf("reloaded permission not effective: %+v err=%v", d, err)
	}
	if _, err := e.Evaluate(ctx, "u1", PermReportPublish, nil); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("old catalog still active: %v", err)
	}

	events, err := sink.Query(ctx, audit.Filter{Operation: "authz.catalog_reload"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Granted || events[0].Actor != "admin-1" {
		t.Fatalf("reload must emit one audit event: %v", events)
	}
}

func TestCatalogValidation(t *testing.T) {
	if _, err := NewCatalog(nil); err == nil {
		t.Fatal("empty catalog accepted")
	}
	if _, err := NewCatalog([]Permission{{Name: "x", Roles: []string{"member"}, Tier: "secret"}}); err == nil {
		t.Fatal("unknown tier accepted")
	}
	if _, err := NewCatalog([]Permission{
		{Name: "x", Roles: []string{"member"}, Tier: TierPublic},
		{Name: "X ", Roles: []string{"member"}, Tier: TierPublic},
	}); err == nil {
		t.Fatal("duplicate permission accepted")
	}
}
