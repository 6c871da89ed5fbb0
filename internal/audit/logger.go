package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"icegate.org/internal/ids"
	"icegate.org/internal/obs"
)

// Store appends immutable entries and serves filtered retrieval.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// Logger is the append-only sink for every decision and state transition.
// Writes are synchronous relative to the decision they describe. A write
// failure never blocks or reverses the decision: the event is escalated to
// the secondary alert path and the primary decision stands as computed.
type Logger struct {
	store  Store
	now    func() time.Time
	alerts *rate.Limiter

	// When key is set every event is HMAC-signed into a hash chain under
	// chainMu; prevSig advances only when the event actually landed.
	key     []byte
	chainMu sync.Mutex
	prevSig string
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithSigningKey enables tamper-evident recording: each event carries an
// HMAC chained on its predecessor, verifiable with VerifyChain.
func WithSigningKey(secret string) Option {
	return func(l *Logger) {
		if secret != "" {
			l.key = []byte(secret)
		}
	}
}

// NewLogger constructs the audit logger. The alert limiter caps the secondary
// alert path at one line per second with a small burst, so a dying store does
// not flood the log stream.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{
		store:  store,
		now:    time.Now,
		alerts: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one event. Best-effort by contract: failures are escalated,
// never returned, because the decision the event describes is already final.
func (l *Logger) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	e.Operation = strings.TrimSpace(e.Operation)

	if len(l.key) == 0 {
		if err := l.store.Append(ctx, &e); err != nil {
			l.escalate(e, err)
		}
		return
	}

	l.chainMu.Lock()
	e.Signature = signEvent(l.key, l.prevSig, e)
	err := l.store.Append(ctx, &e)
	if err == nil {
		// A dropped event never enters the chain: its successor links to
		// the last persisted signature.
		l.prevSig = e.Signature
	}
	l.chainMu.Unlock()
	if err != nil {
		l.escalate(e, err)
	}
}

func (l *Logger) escalate(e Event, err error) {
	obs.AuditWriteFailures.Inc()
	if l.alerts.Allow() {
		obs.LogEvent(map[string]any{
			"ts":        l.now().UTC().Format(time.RFC3339Nano),
			"level":     "error",
			"msg":       "audit write failed",
			"operation": e.Operation,
			"actor":     e.Actor,
			"resource":  e.Resource,
			"granted":   e.Granted,
			"error":     err.Error(),
		})
	}
}

// Trail returns events matching the filter, ordered by time. An unset limit
// defaults to 100; an oversized one is clamped to 1000 rather than shrunk.
func (l *Logger) Trail(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	} else if f.Limit > 1000 {
		f.Limit = 1000
	}
	return l.store.Query(ctx, f)
}
