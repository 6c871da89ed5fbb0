package identity

import "time"

const (
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
)

// User represents one external identity. Users are created on first
// interaction and never deleted, only deactivated.
type User struct {
	ID          string
	ExternalID  string
	DisplayName string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
