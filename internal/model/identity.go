package model

import "time"

type IdentityStatus string

const (
	IdentityUnknown    IdentityStatus = "unknown"
	IdentityActive     IdentityStatus = "active"
	IdentityRestricted IdentityStatus = "restricted"
	IdentityBanned     IdentityStatus = "banned"
	IdentityInvalid    IdentityStatus = "invalid"
)

// Identity is an authorized sender credential. Usage counters are updated
// by the dispatch loop after every send attempt.
type Identity struct {
	Handle      string
	DisplayName *string
	Credential  string
	Status      IdentityStatus
	CanSend     bool
	RouteID     *string
	SentCount   int
	ErrorCount  int
	LastUsed    *time.Time
}
