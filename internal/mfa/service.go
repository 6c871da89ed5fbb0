package mfa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"icegate.org/internal/audit"
	"icegate.org/internal/authz"
	"icegate.org/internal/ids"
	"icegate.org/internal/ledger"
	"icegate.org/internal/obs"
)

const (
	defaultBackupCodes  = 10
	defaultSkewSteps    = 1
	defaultMaxFailures  = 5
	defaultWindow       = 15 * time.Minute
	defaultTokenTTL     = 5 * time.Minute
	defaultFreshness    = 5 * time.Minute
	defaultTokenIssuer  = "icegate"
	backupCodeGroupSize = 4
)

// Unambiguous charset for backup codes (no 0/O, 1/I).
const backupCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// OperationContext names the sensitive operation a step-up challenge covers.
type OperationContext struct {
	Operation string
	Context   map[string]string
}

// Store persists enrollments, backup codes and the challenge log.
// ConsumeBackupCode must be atomic: it flips consumed only when it was still
// false and reports whether this call did the flip.
type Store interface {
	ReplaceEnrollment(ctx context.Context, e *Enrollment, codes []BackupCode) error
	Enrollment(ctx context.Context, userID string) (*Enrollment, error)
	Activate(ctx context.Context, userID string) error
	DeleteEnrollment(ctx context.Context, userID string) error
	BackupCodes(ctx context.Context, userID string) ([]BackupCode, error)
	ConsumeBackupCode(ctx context.Context, userID, codeID string) (bool, error)
	RecordChallenge(ctx context.Context, c *Challenge) error
}

// Service handles enrollment, time-based code verification, backup-code
// verification and rate limiting for sensitive operations.
type Service struct {
	store    Store
	ledger   *ledger.Service
	audit    *audit.Logger
	failures *failureWindow
	now      func() time.Time

	skew        int
	backupCount int
	tokenSecret []byte
	tokenTTL    time.Duration
	issuer      string
	freshness   time.Duration

	stepUpMu   sync.Mutex
	lastStepUp map[string]time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	skew        int
	backupCount int
	maxFailures int
	window      time.Duration
	tokenSecret []byte
	tokenTTL    time.Duration
	issuer      string
	freshness   time.Duration
	now         func() time.Time
}

// WithSkew sets the accepted clock-skew tolerance in TOTP steps.
func WithSkew(steps int) ServiceOption {
	return func(c *serviceConfig) {
		if steps >= 0 {
			c.skew = steps
		}
	}
}

// WithFailureBudget overrides the rolling-window rate limit.
func WithFailureBudget(max int, window time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if max > 0 {
			c.maxFailures = max
		}
		if window > 0 {
			c.window = window
		}
	}
}

// WithTokenSecret enables step-up token minting with the provided HS256 key.
func WithTokenSecret(secret string) ServiceOption {
	return func(c *serviceConfig) {
		if strings.TrimSpace(secret) != "" {
			c.tokenSecret = []byte(secret)
		}
	}
}

// WithTokenTTL overrides the step-up token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if ttl > 0 {
			c.tokenTTL = ttl
		}
	}
}

// WithIssuer overrides the token issuer and provisioning-URI label.
func WithIssuer(issuer string) ServiceOption {
	return func(c *serviceConfig) {
		if strings.TrimSpace(issuer) != "" {
			c.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(c *serviceConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewService constructs the MFA verifier.
func NewService(store Store, led *ledger.Service, auditLog *audit.Logger, opts ...ServiceOption) *Service {
	cfg := serviceConfig{
		skew:        defaultSkewSteps,
		backupCount: defaultBackupCodes,
		maxFailures: defaultMaxFailures,
		window:      defaultWindow,
		tokenTTL:    defaultTokenTTL,
		issuer:      defaultTokenIssuer,
		freshness:   defaultFreshness,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		store:       store,
		ledger:      led,
		audit:       auditLog,
		failures:    newFailureWindow(cfg.maxFailures, cfg.window, cfg.now),
		now:         cfg.now,
		skew:        cfg.skew,
		backupCount: cfg.backupCount,
		tokenSecret: cfg.tokenSecret,
		tokenTTL:    cfg.tokenTTL,
		issuer:      cfg.issuer,
		freshness:   cfg.freshness,
		lastStepUp:  make(map[string]time.Time),
	}
}

// Enroll generates a fresh secret and single-use backup codes for a user.
// Any prior enrollment is replaced; the new record starts pending until the
// first successful verification activates it.
func (s *Service) Enroll(ctx context.Context, userID string) (EnrollmentMaterial, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EnrollmentMaterial{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	secret, err := newSecret()
	if err != nil {
		return EnrollmentMaterial{}, err
	}
	plaintext, hashed, err := s.generateBackupCodes(userID)
	if err != nil {
		return EnrollmentMaterial{}, err
	}

	enrollment := &Enrollment{
		UserID:    userID,
		Secret:    secret,
		Activated: false,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.ReplaceEnrollment(ctx, enrollment, hashed); err != nil {
		return EnrollmentMaterial{}, err
	}

	s.audit.Record(ctx, audit.Event{
		Actor:     userID,
		Operation: "mfa.enrolled",
		Resource:  userID,
		Granted:   true,
		Reason:    "enrollment pending activation",
	})
	return EnrollmentMaterial{
		Secret:          secret,
		ProvisioningURI: provisioningURI(s.issuer, userID, secret),
		BackupCodes:     plaintext,
	}, nil
}

// VerifyEnrollment checks a time-based code against a pending enrollment.
// The first success activates the factor; until then it cannot serve step-up
// challenges, which prevents lockout from an untested authenticator.
func (s *Service) VerifyEnrollment(ctx context.Context, userID, code string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	enrollment, err := s.store.Enrollment(ctx, userID)
	if err != nil {
		return false, err
	}

	ok := verifyTOTP(enrollment.Secret, code, s.now(), s.skew)
	s.logChallenge(ctx, userID, "enrollment", MethodTOTP, ok, nil)
	if !ok {
		return false, nil
	}
	if !enrollment.Activated {
		if err := s.store.Activate(ctx, userID); err != nil {
			return false, err
		}
		s.audit.Record(ctx, audit.Event{
			Actor:     userID,
			Operation: "mfa.activated",
			Resource:  userID,
			Granted:   true,
		})
	}
	return true, nil
}

// VerifyChallenge performs step-up verification for a sensitive operation.
// The rolling-window rate limit is enforced before any code checking, so the
// attempt after a spent budget is rejected regardless of code correctness.
// Backup codes are consumed atomically as part of the check. Every attempt is
// logged.
func (s *Service) VerifyChallenge(ctx context.Context, userID, code string, opCtx OperationContext) (ChallengeResult, error) {
	userID = strings.TrimSpace(userID)
	code = strings.TrimSpace(code)
	if userID == "" || code == "" {
		return ChallengeResult{}, fmt.Errorf("%w: user_id and code are required", ErrInvalidInput)
	}

	enrollment, err := s.store.Enrollment(ctx, userID)
	if err != nil {
		return ChallengeResult{}, err
	}
	if !enrollment.Activated {
		return ChallengeResult{}, ErrNotActivated
	}

	// The attempt is charged against the budget before the code is checked;
	// reserving and counting are one operation, so concurrent submissions
	// cannot all pass an unspent budget together.
	if ok, retryAfter := s.failures.reserve(userID); !ok {
		s.logChallenge(ctx, userID, opCtx.Operation, "rate_limited", false, opCtx.Context)
		return ChallengeResult{}, &RateLimitError{RetryAfter: retryAfter}
	}

	method := MethodBackup
	var ok bool
	if isTOTPFormat(code) {
		method = MethodTOTP
		ok = verifyTOTP(enrollment.Secret, code, s.now(), s.skew)
	} else {
		ok, err = s.consumeBackupCode(ctx, userID, code)
		if err != nil {
			return ChallengeResult{}, err
		}
	}

	s.logChallenge(ctx, userID, opCtx.Operation, method, ok, opCtx.Context)
	if !ok {
		return ChallengeResult{OK: false, Method: method}, nil
	}

	s.failures.reset(userID)
	s.stepUpMu.Lock()
	s.lastStepUp[userID] = s.now()
	s.stepUpMu.Unlock()

	result := ChallengeResult{OK: true, Method: method}
	if len(s.tokenSecret) > 0 {
		token, expires, err := s.mintStepUpToken(userID, opCtx.Operation)
		if err != nil {
			return ChallengeResult{}, err
		}
		result.StepUpToken = token
		result.TokenExpiresAt = expires
	}
	return result, nil
}

// DisableMFA removes a user's enrollment. Permitted for an administrator
// acting on another user (checked live against the ledger) or for the
// enrolled user themselves after a fresh successful challenge.
func (s *Service) DisableMFA(ctx context.Context, userID, actor string) error {
	userID = strings.TrimSpace(userID)
	actor = strings.TrimSpace(actor)
	if userID == "" || actor == "" {
		return fmt.Errorf("%w: user_id and actor are required", ErrInvalidInput)
	}

	if actor == userID {
		s.stepUpMu.Lock()
		last, ok := s.lastStepUp[userID]
		s.stepUpMu.Unlock()
		if !ok || s.now().Sub(last) > s.freshness {
			return ErrStepUpRequired
		}
	} else {
		roles, err := s.ledger.ComputeActiveRoles(ctx, actor)
		if err != nil {
			return err
		}
		if _, isAdmin := roles[authz.AdminRole]; !isAdmin {
			s.audit.Record(ctx, audit.Event{
				Actor:     actor,
				Operation: "mfa.disable",
				Resource:  userID,
				Granted:   false,
				Reason:    "actor lacks administrative role",
			})
			return ErrNotAllowed
		}
	}

	if err := s.store.DeleteEnrollment(ctx, userID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Actor:     actor,
		Operation: "mfa.disable",
		Resource:  userID,
		Granted:   true,
		Reason:    "enrollment removed",
	})
	return nil
}

// stepUpClaims are the claims carried by a step-up token.
type stepUpClaims struct {
	Operation string `json:"operation"`
	jwt.RegisteredClaims
}

// VerifyStepUpToken validates a previously minted step-up token for the given
// operation and returns the user it covers.
func (s *Service) VerifyStepUpToken(ctx context.Context, token, operation string) (string, error) {
	if len(s.tokenSecret) == 0 {
		return "", ErrTokensDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &stepUpClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.tokenSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*stepUpClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Operation != strings.TrimSpace(operation) {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *Service) mintStepUpToken(userID, operation string) (string, time.Time, error) {
	now := s.now().UTC()
	expires := now.Add(s.tokenTTL)
	claims := stepUpClaims{
		Operation: operation,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign step-up token: %w", err)
	}
	return signed, expires, nil
}

// consumeBackupCode finds the matching unconsumed code and marks it consumed
// in one store operation. A code that was already consumed never matches,
// even under concurrent submission: only the call that flips the consumed
// flag accepts.
func (s *Service) consumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	code = normalizeBackupCode(code)
	codes, err := s.store.BackupCodes(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, bc := range codes {
		if bc.Consumed {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(bc.Hash), []byte(code)) != nil {
			continue
		}
		return s.store.ConsumeBackupCode(ctx, userID, bc.ID)
	}
	return false, nil
}

func (s *Service) generateBackupCodes(userID string) ([]string, []BackupCode, error) {
	plaintext := make([]string, 0, s.backupCount)
	hashed := make([]BackupCode, 0, s.backupCount)
	for i := 0; i < s.backupCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(code)), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, err
		}
		plaintext = append(plaintext, code)
		hashed = append(hashed, BackupCode{
			ID:     ids.New(),
			UserID: userID,
			Hash:   string(hash),
		})
	}
	return plaintext, hashed, nil
}

func randomBackupCode() (string, error) {
	buf := make([]byte, 2*backupCodeGroupSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	chars := make([]byte, len(buf))
	for i, b := range buf {
		chars[i] = backupCodeCharset[int(b)%len(backupCodeCharset)]
	}
	return string(chars[:backupCodeGroupSize]) + "-" + string(chars[backupCodeGroupSize:]), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func (s *Service) logChallenge(ctx context.Context, userID, operation, method string, success bool, fields map[string]string) {
	obs.MFAChallengesTotal.WithLabelValues(method, resultLabel(success)).Inc()
	c := &Challenge{
		ID:        ids.New(),
		UserID:    userID,
		Operation: operation,
		Method:    method,
		Success:   success,
		At:        s.now().UTC(),
		Context:   fields,
	}
	if err := s.store.RecordChallenge(ctx, c); err != nil {
		obs.LogEvent(map[string]any{
			"ts":      s.now().UTC().Format(time.RFC3339Nano),
			"level":   "error",
			"msg":     "mfa challenge log write failed",
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Enrolled reports whether the user has an active enrollment.
func (s *Service) Enrolled(ctx context.Context, userID string) (bool, error) {
	e, err := s.store.Enrollment(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return false, nil
		}
		return false, err
	}
	return e.Activated, nil
}
