package pg

import (
	"context"
	"database/sql"
	"errors"

	"icegate.org/internal/identity"
)

func (s *IdentityStore) Create(ctx context.Context, u *identity.User) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, external_id, display_name, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.ExternalID, u.DisplayName, u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

func (s *IdentityStore) Find(ctx context.Context, id string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		select id, external_id, display_name, status, created_at, updated_at
		from users
		where id = $1
	`, id).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *IdentityStore) FindByExternalID(ctx context.Context, externalID string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		select id, external_id, display_name, status, created_at, updated_at
		from users
		where external_id = $1
	`, externalID).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *IdentityStore) UpdateDisplayName(ctx context.Context, id, displayName string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		update users
		set display_name = $2, updated_at = now()
		where id = $1
		returning id, external_id, display_name, status, created_at, updated_at
	`, id, displayName).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *IdentityStore) UpdateStatus(ctx context.Context, id, status string) (*identity.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		update users
		set status = $2, updated_at = now()
		where id = $1
		returning id, external_id, display_name, status, created_at, updated_at
	`, id, status).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
