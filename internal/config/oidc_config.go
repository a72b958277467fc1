package config

import (
	"strings"
	"time"
)

// OIDCConfig covers the identity-provider connection used by the token broker.
type OIDCConfig interface {
	GetOIDCIssuer() string
	GetOIDCClientID() string
	GetOIDCScopes() []string
	GetSilentTimeout() time.Duration
}

type OIDC struct{}

var _ OIDCConfig = OIDC{}

func (OIDC) GetOIDCIssuer() string {
	return GetEnv("OIDC_ISSUER", "https://accounts.google.com")
}

func (OIDC) GetOIDCClientID() string {
	return GetEnv("OIDC_CLIENT_ID", "")
}

func (OIDC) GetOIDCScopes() []string {
	scopes := GetEnv("OIDC_SCOPES", "openid email profile")
	return strings.Fields(scopes)
}

// GetSilentTimeout bounds non-interactive broker calls so a silent renewal
// can never block startup.
func (OIDC) GetSilentTimeout() time.Duration {
	return getDurationEnv("OIDC_SILENT_TIMEOUT", 10*time.Second)
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
