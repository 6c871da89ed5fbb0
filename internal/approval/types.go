package approval

import "time"

// Status of an approval request. All non-pending states are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is a pending role change awaiting administrative sign-off. It is
// resolved exactly once; terminal states are immutable.
type Request struct {
	ID               string
	UserID           string
	Role             string
	Status           Status
	Requester        string
	Approver         string
	Reason           string
	ResolutionReason string
	CreatedAt        time.Time
	ResolvedAt       time.Time
	ExpiresAt        time.Time
}
