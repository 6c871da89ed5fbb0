package mfa

import (
	"sync"
	"time"
)

// failureWindow counts failed attempts per user in a rolling window. All
// checks and increments happen under one lock so concurrent submissions
// cannot slip past the budget.
type failureWindow struct {
	mu     sync.Mutex
	byUser map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func newFailureWindow(max int, window time.Duration, now func() time.Time) *failureWindow {
	return &failureWindow{
		byUser: make(map[string][]time.Time),
		max:    max,
		window: window,
		now:    now,
	}
}

// reserve admits one attempt and charges it against the budget in the same
// critical section. When the budget is spent it returns the time until the
// oldest charge rolls out of the window. A successful challenge releases its
// charge through reset; failures keep theirs.
func (w *failureWindow) reserve(userID string) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	failures := w.pruneLocked(userID)
	if len(failures) >= w.max {
		retryAfter := w.window - w.now().Sub(failures[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	w.byUser[userID] = append(failures, w.now())
	return true, 0
}

// reset clears the failure budget after a successful challenge.
func (w *failureWindow) reset(userID string) {
	w.mu.Lock()
	delete(w.byUser, userID)
	w.mu.Unlock()
}

func (w *failureWindow) pruneLocked(userID string) []time.Time {
	cutoff := w.now().Add(-w.window)
	failures := w.byUser[userID]
	i := 0
	for i < len(failures) && !failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		failures = failures[i:]
		if len(failures) == 0 {
			delete(w.byUser, userID)
		} else {
			w.byUser[userID] = failures
		}
	}
	return failures
}
