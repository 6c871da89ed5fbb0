package mfa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"icegate.org/internal/audit"
	"icegate.org/internal/ledger"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{t: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mfaFixture struct {
	service *Service
	store   *InMemory
	ledger  *ledger.Service
	audits  *audit.InMemoryStore
	clock   *testClock
}

func newFixture(t *testing.T, opts ...ServiceOption) *mfaFixture {
	t.Helper()
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewInMemory()
	led := ledger.NewService(ledger.NewInMemory(), ledger.WithClock(clock.Now))
	audits := audit.NewInMemoryStore()
	log := audit.NewLogger(audits, audit.WithClock(clock.Now))
	all := append([]ServiceOption{WithClock(clock.Now)}, opts...)
	return &mfaFixture{
		service: NewService(store, led, log, all...),
		store:   store,
		ledger:  led,
		audits:  audits,
		clock:   clock,
	}
}

// enrollAndActivate enrolls the user and passes the activation check with a
// code computed from the returned secret.
func (f *mfaFixture) enrollAndActivate(t *testing.T, userID string) EnrollmentMaterial {
	t.Helper()
	ctx := context.Background()
	material, err := f.service.Enroll(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.service.VerifyEnrollment(ctx, userID, code)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("activation code rejected")
	}
	return material
}

func TestEnrollIssuesSecretAndBackupCodes(t *testing.T) {
	f := newFixture(t)
	material, err := f.service.Enroll(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if material.Secret == "" {
		t.Fatal("empty secret")
	}
	if len(material.BackupCodes) != defaultBackupCodes {
		t.Fatalf("got %d backup codes, want %d", len(material.BackupCodes), defaultBackupCodes)
	}
	seen := make(map[string]struct{})
	for _, code := range material.BackupCodes {
		if len(code) != 2*backupCodeGroupSize+1 {
			t.Fatalf("unexpected code format: %q", code)
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate backup code issued: %q", code)
		}
		seen[code] = struct{}{}
	}

	codes, err := f.store.BackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, bc := range codes {
		for _, plain := range material.BackupCodes {
			if bc.Hash == plain || bc.Hash == normalizeBackupCode(plain) {
				t.Fatal("backup code stored in plaintext")
			}
		}
	}
}

func TestChallengeRequiresActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material, err := f.service.Enroll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"}); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("got %v, want ErrNotActivated", err)
	}
}

func TestVerifyChallengeTOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	f.clock.Advance(totpStep)
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Method != MethodTOTP {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = f.service.VerifyChallenge(ctx, "u1", flipDigit(code), OperationContext{Operation: "role.approve"})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("wrong code accepted")
	}
}

// flipDigit changes the last digit so the code keeps TOTP shape but cannot
// match the original.
func flipDigit(code string) string {
	last := code[len(code)-1]
	return code[:len(code)-1] + string('0'+(last-'0'+1)%10)
}

func TestBackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")
	backup := material.BackupCodes[0]

	res, err := f.service.VerifyChallenge(ctx, "u1", backup, OperationContext{Operation: "mfa.disable"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Method != MethodBackup {
		t.Fatalf("backup code rejected: %+v", res)
	}

	res, err = f.service.VerifyChallenge(ctx, "u1", backup, OperationContext{Operation: "mfa.disable"})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("consumed backup code accepted again")
	}

	// The remaining codes stay valid.
	res, err = f.service.VerifyChallenge(ctx, "u1", material.BackupCodes[1], OperationContext{Operation: "mfa.disable"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("untouched backup code rejected")
	}
}

func TestRateLimitRollingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	for i := 0; i < defaultMaxFailures; i++ {
		res, err := f.service.VerifyChallenge(ctx, "u1", "ZZZZ-ZZZZ", OperationContext{Operation: "role.approve"})
		if err != nil {
			t.Fatal(err)
		}
		if res.OK {
			t.Fatal("garbage code accepted")
		}
	}

	// Budget spent: the next attempt is rejected before code checking, even
	// with a correct code.
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > defaultWindow {
		t.Fatalf("implausible retry hint: %s", rle.RetryAfter)
	}

	// Other users are unaffected.
	other := f.enrollAndActivate(t, "u2")
	otherCode, err := totpAt(other.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res, err := f.service.VerifyChallenge(ctx, "u2", otherCode, OperationContext{Operation: "role.approve"}); err != nil || !res.OK {
		t.Fatalf("unrelated user throttled: %+v %v", res, err)
	}

	// Once the oldest failure rolls out of the window, attempts resume.
	f.clock.Advance(defaultWindow + time.Second)
	code, err = totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("attempt after window expiry rejected")
	}
}

func TestConcurrentAttemptsCannotExceedBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	bad := flipDigit(code)

	const attempts = 2 * defaultMaxFailures
	var wg sync.WaitGroup
	var mu sync.Mutex
	var checked, limited int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.service.VerifyChallenge(ctx, "u1", bad, OperationContext{Operation: "role.approve"})
			mu.Lock()
			defer mu.Unlock()
			var rle *RateLimitError
			switch {
			case errors.As(err, &rle):
				limited++
			case err != nil:
				t.Error(err)
			case res.OK:
				t.Error("wrong code accepted")
			default:
				checked++
			}
		}()
	}
	wg.Wait()

	// Admitting and charging an attempt is one operation, so no matter the
	// interleaving exactly the budget's worth of codes get checked.
	if checked != defaultMaxFailures || limited != attempts-defaultMaxFailures {
		t.Fatalf("checked=%d limited=%d, want %d and %d", checked, limited, defaultMaxFailures, attempts-defaultMaxFailures)
	}
}

func TestSuccessResetsFailureBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	for i := 0; i < defaultMaxFailures-1; i++ {
		if _, err := f.service.VerifyChallenge(ctx, "u1", "ZZZZ-ZZZZ", OperationContext{Operation: "role.approve"}); err != nil {
			t.Fatal(err)
		}
	}
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"}); err != nil || !res.OK {
		t.Fatalf("valid code rejected with budget remaining: %+v %v", res, err)
	}

	// The reset grants a full budget again.
	for i := 0; i < defaultMaxFailures; i++ {
		res, err := f.service.VerifyChallenge(ctx, "u1", "ZZZZ-ZZZZ", OperationContext{Operation: "role.approve"})
		if err != nil {
			t.Fatalf("attempt %d after reset: %v", i, err)
		}
		if res.OK {
			t.Fatal("garbage code accepted")
		}
	}
}

func TestEveryAttemptIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	if _, err := f.service.VerifyChallenge(ctx, "u1", "ZZZZ-ZZZZ", OperationContext{Operation: "role.approve"}); err != nil {
		t.Fatal(err)
	}
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"}); err != nil {
		t.Fatal(err)
	}

	var failures, successes int
	for _, c := range f.store.Challenges() {
		if c.Operation != "role.approve" {
			continue
		}
		if c.Success {
			successes++
		} else {
			failures++
		}
	}
	if failures != 1 || successes != 1 {
		t.Fatalf("challenge log incomplete: %d failures, %d successes", failures, successes)
	}
}

func TestStepUpToken(t *testing.T) {
	f := newFixture(t, WithTokenSecret("test-secret"))
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	f.clock.Advance(totpStep)
	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"})
	if err != nil {
		t.Fatal(err)
	}
	if res.StepUpToken == "" {
		t.Fatal("no step-up token minted")
	}

	subject, err := f.service.VerifyStepUpToken(ctx, res.StepUpToken, "role.approve")
	if err != nil {
		t.Fatal(err)
	}
	if subject != "u1" {
		t.Fatalf("token subject %q, want u1", subject)
	}

	if _, err := f.service.VerifyStepUpToken(ctx, res.StepUpToken, "mfa.disable"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token accepted for a different operation: %v", err)
	}

	f.clock.Advance(defaultTokenTTL + time.Minute)
	if _, err := f.service.VerifyStepUpToken(ctx, res.StepUpToken, "role.approve"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestDisableMFASelfRequiresFreshChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	// Activation counts as a challenge only through VerifyChallenge; a cold
	// self-disable is rejected.
	f.clock.Advance(10 * time.Minute)
	if err := f.service.DisableMFA(ctx, "u1", "u1"); !errors.Is(err, ErrStepUpRequired) {
		t.Fatalf("got %v, want ErrStepUpRequired", err)
	}

	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "mfa.disable"}); err != nil {
		t.Fatal(err)
	}
	if err := f.service.DisableMFA(ctx, "u1", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Enrollment(ctx, "u1"); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("enrollment still present after disable: %v", err)
	}
}

func TestDisableMFAFreshnessExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	material := f.enrollAndActivate(t, "u1")

	code, err := totpAt(material.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "mfa.disable"}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(defaultFreshness + time.Minute)
	if err := f.service.DisableMFA(ctx, "u1", "u1"); !errors.Is(err, ErrStepUpRequired) {
		t.Fatalf("stale challenge accepted for self-disable: %v", err)
	}
}

func TestDisableMFAByAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollAndActivate(t, "u1")

	if err := f.service.DisableMFA(ctx, "u1", "not-admin"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("non-admin disabled another user's factor: %v", err)
	}

	if _, err := f.ledger.Append(ctx, "admin-1", "admin", ledger.ActionGrant, "system", "bootstrap"); err != nil {
		t.Fatal(err)
	}
	if err := f.service.DisableMFA(ctx, "u1", "admin-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Enrollment(ctx, "u1"); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("enrollment still present after admin disable: %v", err)
	}

	// The admin check runs live against the ledger, so a revoked admin is
	// refused immediately.
	f.enrollAndActivate(t, "u2")
	if _, err := f.ledger.Append(ctx, "admin-1", "admin", ledger.ActionRevoke, "system", "offboarding"); err != nil {
		t.Fatal(err)
	}
	if err := f.service.DisableMFA(ctx, "u2", "admin-1"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("revoked admin disabled a factor: %v", err)
	}
}

func TestReEnrollmentReplacesFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.enrollAndActivate(t, "u1")

	second, err := f.service.Enroll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Secret == first.Secret {
		t.Fatal("re-enrollment reused the old secret")
	}

	// The replacement starts pending again.
	code, err := totpAt(second.Secret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.VerifyChallenge(ctx, "u1", code, OperationContext{Operation: "role.approve"}); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("pending replacement served a challenge: %v", err)
	}

	// Old backup codes are gone.
	res, err := f.service.VerifyEnrollment(ctx, "u1", code)
	if err != nil || !res {
		t.Fatalf("activation of replacement failed: %v", err)
	}
	out, err := f.service.VerifyChallenge(ctx, "u1", first.BackupCodes[0], OperationContext{Operation: "role.approve"})
	if err != nil {
		t.Fatal(err)
	}
	if out.OK {
		t.Fatal("backup code from replaced enrollment accepted")
	}
}

func TestChallengeForUnknownUser(t *testing.T) {
	f := newFixture(t)
	if _, err := f.service.VerifyChallenge(context.Background(), "ghost", "123456", OperationContext{Operation: "role.approve"}); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("got %v, want ErrNotEnrolled", err)
	}
}
