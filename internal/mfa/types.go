package mfa

import "time"

// Enrollment is the single active factor for a user. Re-enrollment replaces
// the record; it is never updated in place.
type Enrollment struct {
	UserID    string
	Secret    string
	Activated bool
	CreatedAt time.Time
}

// BackupCode is one stored single-use fallback credential. Only the salted
// hash is persisted.
type BackupCode struct {
	ID       string
	UserID   string
	Hash     string
	Consumed bool
}

// Challenge is one verification attempt, success or failure. The log is
// append-only.
type Challenge struct {
	ID        string
	UserID    string
	Operation string
	Method    string
	Success   bool
	At        time.Time
	Context   map[string]string
}

// Challenge methods.
const (
	MethodTOTP   = "totp"
	MethodBackup = "backup"
)

// EnrollmentMaterial is returned once at enrollment time. The plaintext
// backup codes are never recoverable afterwards.
type EnrollmentMaterial struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// ChallengeResult reports a step-up verification outcome. On success a
// short-lived step-up token is minted for the command layer to attach to the
// sensitive operation.
type ChallengeResult struct {
	OK             bool
	Method         string
	StepUpToken    string
	TokenExpiresAt time.Time
}
