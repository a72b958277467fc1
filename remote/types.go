package remote

import (
	"time"

	"github.com/adwatch/adwatchd/credentials"
)

// TrackedItem is one tracked listing as stored by the remote API. The
// refresh pipeline treats it as immutable input for one pass.
type TrackedItem struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	URL             string    `json:"url"`
	LastStatus      string    `json:"lastStatus"`
	Archived        bool      `json:"archived"`
	LastRefreshedAt time.Time `json:"lastRefreshedAt"`
}

// SessionGrant is the result of exchanging a third-party token for a
// locally issued session token.
type SessionGrant struct {
	SessionToken string               `json:"sessionToken"`
	Identity     credentials.Identity `json:"identity"`
}
