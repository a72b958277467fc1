// Package store provides the persistent key-value store shared by the
// session state machine and the refresh pipeline. Values are JSON documents
// and every write is a complete replacement, never a partial patch.
package store

import "context"

// Well-known keys. Each is independently readable and writable.
const (
	KeySession     = "auth.session"
	KeyBrokerToken = "auth.idp_token"
	KeyStatus      = "refresh.status"
	KeySchedule    = "refresh.schedule"
)

// KV is a persistent key-value store that survives process restarts.
type KV interface {
	// Get unmarshals the value for key into out. It returns false when the
	// key is absent, in which case out is left untouched.
	Get(ctx context.Context, key string, out any) (bool, error)

	// Set marshals value and replaces whatever is stored under key.
	Set(ctx context.Context, key string, value any) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
