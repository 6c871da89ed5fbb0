package mfa

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotEnrolled    = errors.New("mfa: not enrolled")
	ErrNotActivated   = errors.New("mfa: enrollment not activated")
	ErrInvalidInput   = errors.New("mfa: invalid input")
	ErrNotAllowed     = errors.New("mfa: operation not allowed")
	ErrStepUpRequired = errors.New("mfa: fresh successful challenge required")
	ErrInvalidToken   = errors.New("mfa: invalid step-up token")
	ErrTokensDisabled = errors.New("mfa: step-up tokens are not configured")
)

// RateLimitError rejects a challenge attempt once the failure budget for the
// rolling window is spent. RetryAfter hints when the oldest failure leaves
// the window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("mfa: rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}
