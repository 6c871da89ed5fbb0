package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"icegate.org/internal/audit"
)

func (s *AuditStore) Append(ctx context.Context, e *audit.Event) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, actor, operation, resource, granted, reason, at, context, signature)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Actor, e.Operation, e.Resource, e.Granted, e.Reason, e.At, contextJSON(e.Context), e.Signature)
	return err
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		conds []string
		args  []any
		idx   = 1
	)
	if f.Actor != "" {
		conds = append(conds, fmt.Sprintf("actor = $%d", idx))
		args = append(args, f.Actor)
		idx++
	}
	if f.Operation != "" {
		conds = append(conds, fmt.Sprintf("operation = $%d", idx))
		args = append(args, f.Operation)
		idx++
	}
	if f.Resource != "" {
		conds = append(conds, fmt.Sprintf("resource = $%d", idx))
		args = append(args, f.Resource)
		idx++
	}
	if !f.From.IsZero() {
		conds = append(conds, fmt.Sprintf("at >= $%d", idx))
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		conds = append(conds, fmt.Sprintf("at <= $%d", idx))
		args = append(args, f.To)
		idx++
	}

	query := `
		select id, actor, operation, resource, granted, reason, at, context, signature
		from audit_events
	`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += fmt.Sprintf(" order by at, id limit $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e   audit.Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Operation, &e.Resource, &e.Granted, &e.Reason, &e.At, &raw, &e.Signature); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Context); err != nil {
				return nil, fmt.Errorf("decode context: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func contextJSON(m map[string]string) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
