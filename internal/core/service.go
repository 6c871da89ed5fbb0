// Package core composes the authorization components into the single
// in-process surface the command layer consumes. It adds no policy of its
// own: identity resolution, evaluation, approvals, MFA and audit all live in
// their packages; core wires one call flow through them.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"icegate.org/internal/approval"
	"icegate.org/internal/audit"
	"icegate.org/internal/authz"
	"icegate.org/internal/identity"
	"icegate.org/internal/ledger"
	"icegate.org/internal/mfa"
)

var (
	ErrInvalidInput = errors.New("core: invalid input")

	// ErrStepUpRequired reports that the permission is granted by role but the
	// caller supplied no acceptable step-up proof for it.
	ErrStepUpRequired = errors.New("core: mfa step-up required")
)

// Service is the facade over the authorization core.
type Service struct {
	identity  *identity.Registry
	ledger    *ledger.Service
	approvals *approval.Service
	evaluator *authz.Evaluator
	mfa       *mfa.Service
	audit     *audit.Logger
}

// New wires the facade from already-constructed components.
func New(
	reg *identity.Registry,
	led *ledger.Service,
	approvals *approval.Service,
	evaluator *authz.Evaluator,
	verifier *mfa.Service,
	auditLog *audit.Logger,
) *Service {
	return &Service{
		identity:  reg,
		ledger:    led,
		approvals: approvals,
		evaluator: evaluator,
		mfa:       verifier,
		audit:     auditLog,
	}
}

// StepUpProof carries whatever MFA evidence the caller has for a sensitive
// operation: a previously minted step-up token, or an inline code to verify
// now. Empty proof is valid for non-sensitive permissions.
type StepUpProof struct {
	Token string
	Code  string
}

// Result is the outcome of an end-to-end authorization.
type Result struct {
	User        identity.User
	Decision    authz.Decision
	MFAVerified bool
}

// Allowed reports whether the operation may proceed: role-granted and, when
// the tier demands it, step-up verified.
func (r Result) Allowed() bool {
	if !r.Decision.Granted {
		return false
	}
	if r.Decision.MFARequired && !r.MFAVerified {
		return false
	}
	return true
}

// Authorize is the end-to-end path: resolve the external identity, evaluate
// the permission and, for sensitive tiers, check the supplied step-up proof.
// A role denial returns a Result with Allowed()==false and no error; a
// missing or failed step-up on a role-granted sensitive permission returns
// ErrStepUpRequired alongside the Result so the command layer can prompt.
func (s *Service) Authorize(ctx context.Context, externalID, displayName, permission string, proof StepUpProof) (Result, error) {
	user, err := s.identity.ResolveOrCreate(ctx, externalID, displayName)
	if err != nil {
		return Result{}, err
	}

	decision, err := s.evaluator.Evaluate(ctx, user.ID, permission, map[string]string{
		"external_id": user.ExternalID,
	})
	result := Result{User: user, Decision: decision}
	if err != nil {
		return result, err
	}
	if !decision.Granted || !decision.MFARequired {
		return result, nil
	}

	verified, err := s.checkStepUp(ctx, user.ID, permission, proof)
	if err != nil {
		return result, err
	}
	result.MFAVerified = verified
	if !verified {
		return result, ErrStepUpRequired
	}
	return result, nil
}

func (s *Service) checkStepUp(ctx context.Context, userID, permission string, proof StepUpProof) (bool, error) {
	switch {
	case strings.TrimSpace(proof.Token) != "":
		subject, err := s.mfa.VerifyStepUpToken(ctx, proof.Token, permission)
		if err != nil {
			if errors.Is(err, mfa.ErrInvalidToken) {
				return false, nil
			}
			return false, err
		}
		return subject == userID, nil
	case strings.TrimSpace(proof.Code) != "":
		res, err := s.mfa.VerifyChallenge(ctx, userID, proof.Code, mfa.OperationContext{
			Operation: permission,
		})
		if err != nil {
			return false, err
		}
		return res.OK, nil
	default:
		return false, nil
	}
}

// ResolveOrCreate maps an external identity to a user record.
func (s *Service) ResolveOrCreate(ctx context.Context, externalID, displayName string) (identity.User, error) {
	return s.identity.ResolveOrCreate(ctx, externalID, displayName)
}

// Evaluate decides a single permission check without the step-up leg.
func (s *Service) Evaluate(ctx context.Context, userID, permission string, callCtx map[string]string) (authz.Decision, error) {
	return s.evaluator.Evaluate(ctx, userID, permission, callCtx)
}

// RequestRoleGrant opens a pending approval request.
func (s *Service) RequestRoleGrant(ctx context.Context, userID, role, requester, reason string) (approval.Request, error) {
	return s.approvals.RequestRoleGrant(ctx, userID, role, requester, reason)
}

// Approve resolves a pending request and, on success, appends the grant.
func (s *Service) Approve(ctx context.Context, requestID, approverID, reason string) (approval.Request, error) {
	return s.approvals.Approve(ctx, requestID, approverID, reason)
}

// Reject resolves a pending request with no ledger effect.
func (s *Service) Reject(ctx context.Context, requestID, approverID, reason string) (approval.Request, error) {
	return s.approvals.Reject(ctx, requestID, approverID, reason)
}

// SweepExpiredApprovals expires pending requests past their deadline.
func (s *Service) SweepExpiredApprovals(ctx context.Context) (int, error) {
	return s.approvals.SweepExpired(ctx)
}

// RevokeRole appends a revoke event for a user's role. Only administrators
// may revoke, checked live against the ledger; the revocation takes effect
// before this call returns.
func (s *Service) RevokeRole(ctx context.Context, userID, role, actor, reason string) error {
	userID = strings.TrimSpace(userID)
	actor = strings.TrimSpace(actor)
	if userID == "" || actor == "" {
		return fmt.Errorf("%w: user_id and actor are required", ErrInvalidInput)
	}

	roles, err := s.ledger.ComputeActiveRoles(ctx, actor)
	if err != nil {
		return err
	}
	if _, isAdmin := roles[authz.AdminRole]; !isAdmin {
		s.audit.Record(ctx, audit.Event{
			Actor:     actor,
			Operation: "role.revoke",
			Resource:  userID,
			Granted:   false,
			Reason:    "actor lacks administrative role",
			Context:   map[string]string{"role": role},
		})
		return approval.ErrNotAdmin
	}

	if _, err := s.ledger.Append(ctx, userID, role, ledger.ActionRevoke, actor, reason); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Actor:     actor,
		Operation: "role.revoke",
		Resource:  userID,
		Granted:   true,
		Reason:    reason,
		Context:   map[string]string{"role": role},
	})
	return nil
}

// EnrollMFA starts or replaces a user's enrollment.
func (s *Service) EnrollMFA(ctx context.Context, userID string) (mfa.EnrollmentMaterial, error) {
	return s.mfa.Enroll(ctx, userID)
}

// VerifyEnrollment checks an activation code; the first success activates.
func (s *Service) VerifyEnrollment(ctx context.Context, userID, code string) (bool, error) {
	return s.mfa.VerifyEnrollment(ctx, userID, code)
}

// VerifyChallenge runs a step-up challenge outside the Authorize flow.
func (s *Service) VerifyChallenge(ctx context.Context, userID, code string, opCtx mfa.OperationContext) (mfa.ChallengeResult, error) {
	return s.mfa.VerifyChallenge(ctx, userID, code, opCtx)
}

// DisableMFA removes a user's enrollment under the MFA verifier's rules.
func (s *Service) DisableMFA(ctx context.Context, userID, actor string) error {
	return s.mfa.DisableMFA(ctx, userID, actor)
}

// GetAuditTrail returns audit events matching the filter, oldest first.
func (s *Service) GetAuditTrail(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return s.audit.Trail(ctx, f)
}

// ReloadCatalog loads and swaps in a new permission catalog; the swap is
// audited.
func (s *Service) ReloadCatalog(ctx context.Context, path, actor string) error {
	return s.evaluator.Reload(ctx, path, actor)
}
