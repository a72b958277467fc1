package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	listenAddrEnvVar = "LISTEN_ADDR"
	appNameEnvVar    = "APP_NAME"
	dataFolderEnvVar = "DATA_FOLDER"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetListenAddr() string {
	addr := GetEnv(listenAddrEnvVar, "127.0.0.1:8119")
	if addr != "" && addr[0] == ':' {
		addr = fmt.Sprintf("127.0.0.1%s", addr)
	}
	return addr
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameEnvVar, "adwatchd")
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(dataFolderEnvVar, defaultDataFolder())
}

func (e EnvVars) GetSettingsFile() string {
	return GetEnv("SETTINGS_FILE", filepath.Join(e.GetDataFolder(), "settings.yaml"))
}

func (EnvVars) GetEnv() string {
	return GetEnv("ENV", "development")
}

func defaultDataFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".adwatchd"
	}
	return filepath.Join(home, ".adwatchd")
}

// GetEnv returns the value of an environment variable or a fallback.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
