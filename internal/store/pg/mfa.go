package pg

import (
	"context"
	"database/sql"
	"errors"

	"icegate.org/internal/mfa"
)

// ReplaceEnrollment swaps in a fresh enrollment and backup-code set in one
// transaction: the prior enrollment and any surviving codes disappear with
// the secret they belonged to.
func (s *MFAStore) ReplaceEnrollment(ctx context.Context, e *mfa.Enrollment, codes []mfa.BackupCode) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from mfa_backup_codes where user_id = $1`, e.UserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from mfa_enrollments where user_id = $1`, e.UserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into mfa_enrollments (user_id, secret, activated, created_at)
		values ($1, $2, $3, $4)
	`, e.UserID, e.Secret, e.Activated, e.CreatedAt); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into mfa_backup_codes (id, user_id, code_hash, consumed)
			values ($1, $2, $3, false)
		`, code.ID, code.UserID, code.Hash); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *MFAStore) Enrollment(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var e mfa.Enrollment
	err := s.db.QueryRowContext(ctx, `
		select user_id, secret, activated, created_at
		from mfa_enrollments
		where user_id = $1
	`, userID).Scan(&e.UserID, &e.Secret, &e.Activated, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mfa.ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *MFAStore) Activate(ctx context.Context, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update mfa_enrollments set activated = true where user_id = $1
	`, userID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return mfa.ErrNotEnrolled
	}
	return nil
}

func (s *MFAStore) DeleteEnrollment(ctx context.Context, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from mfa_backup_codes where user_id = $1`, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from mfa_enrollments where user_id = $1`, userID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return mfa.ErrNotEnrolled
	}
	return tx.Commit()
}

func (s *MFAStore) BackupCodes(ctx context.Context, userID string) ([]mfa.BackupCode, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, code_hash, consumed
		from mfa_backup_codes
		where user_id = $1
		order by id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []mfa.BackupCode
	for rows.Next() {
		var c mfa.BackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.Hash, &c.Consumed); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}

// ConsumeBackupCode marks the code consumed only if it still is not; the
// rows-affected count tells whether this call won. Concurrent submissions of
// the same code therefore admit exactly one.
func (s *MFAStore) ConsumeBackupCode(ctx context.Context, userID, codeID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update mfa_backup_codes
		set consumed = true
		where id = $1 and user_id = $2 and consumed = false
	`, codeID, userID)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

func (s *MFAStore) RecordChallenge(ctx context.Context, c *mfa.Challenge) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_challenges (id, user_id, operation, method, success, at, context)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.UserID, c.Operation, c.Method, c.Success, c.At, contextJSON(c.Context))
	return err
}
