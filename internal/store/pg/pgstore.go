// Package pg implements the persistent stores over PostgreSQL through the
// pgx stdlib driver. One connection pool backs per-domain views; conflict
// semantics (unique violations, optimistic updates) map onto the domain
// sentinels.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"icegate.org/internal/approval"
	"icegate.org/internal/audit"
	"icegate.org/internal/identity"
	"icegate.org/internal/ledger"
	"icegate.org/internal/mfa"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ identity.Store = (*IdentityStore)(nil)
	_ ledger.Store   = (*LedgerStore)(nil)
	_ approval.Store = (*ApprovalStore)(nil)
	_ mfa.Store      = (*MFAStore)(nil)
	_ audit.Store    = (*AuditStore)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Per-domain views over the shared pool.

type IdentityStore struct{ db *sql.DB }
type LedgerStore struct{ db *sql.DB }
type ApprovalStore struct{ db *sql.DB }
type MFAStore struct{ db *sql.DB }
type AuditStore struct{ db *sql.DB }

func (s *Store) Identities() *IdentityStore { return &IdentityStore{db: s.db} }
func (s *Store) Ledger() *LedgerStore       { return &LedgerStore{db: s.db} }
func (s *Store) Approvals() *ApprovalStore  { return &ApprovalStore{db: s.db} }
func (s *Store) MFA() *MFAStore             { return &MFAStore{db: s.db} }
func (s *Store) Audit() *AuditStore         { return &AuditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
