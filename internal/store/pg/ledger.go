package pg

import (
	"context"
	"errors"

	"icegate.org/internal/ledger"
)

// AppendEvent inserts one role event. The bigserial column assigns the
// sequence number atomically inside the insert, so concurrent appends can
// never observe or produce a duplicate.
func (s *LedgerStore) AppendEvent(ctx context.Context, e ledger.Event) (uint64, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
		insert into role_events (user_id, role, action, grantor, reason, effective_at)
		values ($1, $2, $3, $4, $5, $6)
		returning seq
	`, e.UserID, e.Role, string(e.Action), e.Grantor, e.Reason, e.EffectiveAt).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *LedgerStore) EventsByUser(ctx context.Context, userID string) ([]ledger.Event, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, user_id, role, action, grantor, reason, effective_at
		from role_events
		where user_id = $1
		order by seq
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			e      ledger.Event
			action string
		)
		if err := rows.Scan(&e.Sequence, &e.UserID, &e.Role, &action, &e.Grantor, &e.Reason, &e.EffectiveAt); err != nil {
			return nil, err
		}
		e.Action = ledger.Action(action)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
