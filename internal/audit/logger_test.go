package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordAndTrail(t *testing.T) {
	store := NewInMemoryStore()
	l := NewLogger(store)
	ctx := context.Background()

	l.Record(ctx, Event{Actor: "u1", Operation: "authz.evaluate", Resource: "report.publish", Granted: false, Reason: "missing required role"})
	l.Record(ctx, Event{Actor: "u1", Operation: "authz.evaluate", Resource: "report.read", Granted: true})
	l.Record(ctx, Event{Actor: "admin-1", Operation: "approval.approved", Resource: "req-1", Granted: true})

	events, err := l.Trail(ctx, Filter{Actor: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(events))
	}
	if events[0].ID == "" || events[0].At.IsZero() {
		t.Fatal("record did not assign id and timestamp")
	}

	events, err = l.Trail(ctx, Filter{Operation: "approval.approved"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Actor != "admin-1" {
		t.Fatalf("operation filter broken: %v", events)
	}
}

func TestTrailTimeRangeAndLimit(t *testing.T) {
	store := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	l := NewLogger(store, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		l.Record(ctx, Event{Actor: "u1", Operation: "authz.evaluate", Resource: "report.read", Granted: true})
	}

	events, err := l.Trail(ctx, Filter{From: base.Add(1 * time.Minute), To: base.Add(3 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("time range filter returned %d events", len(events))
	}

	events, err = l.Trail(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("limit not applied: %d", len(events))
	}
}

// capturingStore records the filter Trail hands to the store.
type capturingStore struct {
	last Filter
}

func (s *capturingStore) Append(ctx context.Context, e *Event) error { return nil }

func (s *capturingStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.last = f
	return nil, nil
}

func TestTrailLimitClamping(t *testing.T) {
	store := &capturingStore{}
	l := NewLogger(store)
	ctx := context.Background()

	cases := []struct {
		requested int
		want      int
	}{
		{0, 100},
		{-3, 100},
		{50, 50},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tc := range cases {
		if _, err := l.Trail(ctx, Filter{Limit: tc.requested}); err != nil {
			t.Fatal(err)
		}
		if store.last.Limit != tc.want {
			t.Fatalf("limit %d passed through as %d, want %d", tc.requested, store.last.Limit, tc.want)
		}
	}
}

type failingAuditStore struct{}

func (failingAuditStore) Append(ctx context.Context, e *Event) error {
	return errors.New("disk on fire")
}

func (failingAuditStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	return nil, errors.New("disk on fire")
}

func TestRecordFailureDoesNotPanicOrBlock(t *testing.T) {
	l := NewLogger(failingAuditStore{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			l.Record(context.Background(), Event{Actor: "u1", Operation: "authz.evaluate"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a failing store")
	}
}
