package config

// Config is the full configuration surface of the daemon.
type Config interface {
	EnvConfig
	OIDCConfig
	RemoteConfig
}

// EnvConfig covers process-level settings.
type EnvConfig interface {
	GetAppName() string
	GetListenAddr() string
	GetDataFolder() string
	GetSettingsFile() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	OIDC
	Remote
}

// New returns a Config backed by environment variables.
func New() Config {
	return mainConfig{}
}
