package ledger

import "time"

// Action is the kind of role event.
type Action string

const (
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

// Event is a single immutable role grant or revoke record. Events are never
// updated or deleted; Sequence is assigned atomically by the store at append
// time and is the sole ordering authority. EffectiveAt is informational audit
// metadata only.
type Event struct {
	Sequence    uint64
	UserID      string
	Role        string
	Action      Action
	Grantor     string
	Reason      string
	EffectiveAt time.Time
}
