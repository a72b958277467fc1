package config

import "time"

// RemoteConfig covers the listings API and the extraction service endpoints.
type RemoteConfig interface {
	GetAPIBaseURL() string
	GetExtractorURL() string
	GetExtractorKey() string
	GetAuthCheckPeriod() time.Duration
}

type Remote struct{}

var _ RemoteConfig = Remote{}

func (Remote) GetAPIBaseURL() string {
	return GetEnv("API_BASE_URL", "https://api.adwatch.dev")
}

func (Remote) GetExtractorURL() string {
	return GetEnv("EXTRACTOR_URL", "https://extract.adwatch.dev/v1/listing")
}

func (Remote) GetExtractorKey() string {
	return GetEnv("EXTRACTOR_KEY", "")
}

// GetAuthCheckPeriod is the fixed period of the auth-check alarm,
// independent of the user-configured refresh interval.
func (Remote) GetAuthCheckPeriod() time.Duration {
	return getDurationEnv("AUTH_CHECK_PERIOD", 15*time.Minute)
}
