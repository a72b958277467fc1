package orchestrator

import "time"

// Refresh interval clamp bounds.
const (
	minRefreshInterval = 10 * time.Second
	maxRefreshInterval = 31 * 24 * time.Hour
)

// ScheduleState is the persisted refresh schedule: the interval in force
// and the next planned fire time. A NextFireAt in the past at startup
// means the machine slept through a fire and the pass is due now.
type ScheduleState struct {
	IntervalMinutes int       `json:"intervalMinutes"`
	NextFireAt      time.Time `json:"nextFireAt"`
}

func clampInterval(d time.Duration) time.Duration {
	if d < minRefreshInterval {
		return minRefreshInterval
	}
	if d > maxRefreshInterval {
		return maxRefreshInterval
	}
	return d
}
