// Package broker defines the identity-broker boundary: the OS-level service
// that issues and caches third-party access tokens for the user.
package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNoCachedToken is returned by a non-interactive Token call when nothing
// is available without user interaction. Callers must treat it as an
// immediate failure, not something to wait on.
var ErrNoCachedToken = errors.New("broker: no cached token available")

// Token is a third-party access token issued by the identity provider.
type Token struct {
	AccessToken string    `json:"accessToken"`
	Expiry      time.Time `json:"expiry"`
}

// TokenBroker issues third-party tokens, silently or interactively.
type TokenBroker interface {
	// Token returns an access token. When interactive is false, only a
	// cached token (or one obtainable via a silent refresh) is returned;
	// ErrNoCachedToken otherwise. When interactive is true the broker may
	// surface a consent or account picker to the user.
	Token(ctx context.Context, interactive bool) (*Token, error)

	// Invalidate drops the cached token so the next request mints a fresh
	// one. The user's consent grant is untouched.
	Invalidate(ctx context.Context) error

	// RevokeGrant revokes the user's consent at the identity provider. A
	// subsequent interactive login will re-prompt consent.
	RevokeGrant(ctx context.Context) error
}
