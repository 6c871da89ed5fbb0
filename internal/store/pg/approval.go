package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"icegate.org/internal/approval"
)

// Create inserts a pending approval request. A partial unique index
// on (user_id, role) where status = 'pending' turns a duplicate pending
// request into ErrConflict.
func (s *ApprovalStore) Create(ctx context.Context, r *approval.Request) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into approval_requests
			(id, user_id, role, status, requester, reason, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.UserID, r.Role, string(r.Status), r.Requester, r.Reason, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return approval.ErrConflict
		}
		return err
	}
	return nil
}

func (s *ApprovalStore) Find(ctx context.Context, id string) (*approval.Request, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
		select id, user_id, role, status, requester, approver, reason,
		       resolution_reason, created_at, resolved_at, expires_at
		from approval_requests
		where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve performs the optimistic status transition: the update matches only
// while the stored status still equals from, so exactly one concurrent
// resolution commits and the rest see ErrConflict.
func (s *ApprovalStore) Resolve(ctx context.Context, id string, from, to approval.Status, approver, reason string, at time.Time) (*approval.Request, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
		update approval_requests
		set status = $3, approver = $4, resolution_reason = $5, resolved_at = $6
		where id = $1 and status = $2
		returning id, user_id, role, status, requester, approver, reason,
		          resolution_reason, created_at, resolved_at, expires_at
	`, id, string(from), string(to), approver, reason, at))
	if errors.Is(err, sql.ErrNoRows) {
		// Either the request is gone or it already left the from status.
		if _, ferr := s.Find(ctx, id); errors.Is(ferr, approval.ErrNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, approval.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ApprovalStore) ListPending(ctx context.Context) ([]approval.Request, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, role, status, requester, approver, reason,
		       resolution_reason, created_at, resolved_at, expires_at
		from approval_requests
		where status = 'pending'
		order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []approval.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

// ExpirePending sweeps pending requests whose deadline has passed. Each row
// transition is the same conditional update Resolve uses, so a concurrent
// approve and sweep cannot both win.
func (s *ApprovalStore) ExpirePending(ctx context.Context, cutoff time.Time) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update approval_requests
		set status = 'expired', resolution_reason = 'expired', resolved_at = $1
		where status = 'pending' and expires_at <= $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*approval.Request, error) {
	var (
		r          approval.Request
		status     string
		approver   sql.NullString
		resolution sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Role, &status, &r.Requester, &approver,
		&r.Reason, &resolution, &r.CreatedAt, &resolvedAt, &r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	r.Status = approval.Status(status)
	if approver.Valid {
		r.Approver = approver.String
	}
	if resolution.Valid {
		r.ResolutionReason = resolution.String
	}
	if resolvedAt.Valid {
		r.ResolvedAt = resolvedAt.Time
	}
	return &r, nil
}
