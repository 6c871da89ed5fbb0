package audit

import "time"

// Event is one immutable record of an authorization decision or state
// transition. The table it lands in is append-only.
type Event struct {
	ID        string
	Actor     string
	Operation string
	Resource  string
	Granted   bool
	Reason    string
	At        time.Time
	Context   map[string]string

	// Signature is the hex HMAC-SHA256 over the previous event's signature
	// and this event's canonical payload. Empty when the logger runs
	// without a signing key.
	Signature string
}

// Filter narrows audit trail retrieval. Zero values match everything.
type Filter struct {
	Actor     string
	Operation string
	Resource  string
	From      time.Time
	To        time.Time
	Limit     int
}
