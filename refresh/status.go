package refresh

import "time"

// Bounds for the most-recent-first history rings.
const (
	maxRecentlyCompleted = 20
	maxRecentErrors      = 10
)

// ItemState is the per-item outcome within a pass.
type ItemState string

const (
	ItemPending ItemState = "pending"
	ItemRunning ItemState = "running"
	ItemSuccess ItemState = "success"
	ItemError   ItemState = "error"
)

// QueueItem is one entry of the pass queue snapshot.
type QueueItem struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	URL    string    `json:"url"`
	Status ItemState `json:"status"`
}

// CompletedItem is one entry of the completion or error history.
type CompletedItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    ItemState `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Progress tracks the position within the current pass. CurrentIndex only
// advances monotonically within a pass and resets to 0 at pass start.
type Progress struct {
	CurrentIndex int    `json:"currentIndex"`
	TotalCount   int    `json:"totalCount"`
	CurrentTitle string `json:"currentTitle,omitempty"`
}

// Status is the persisted snapshot of the refresh pipeline. IsRunning is
// true exactly while one pass is active; it doubles as the mutual-exclusion
// token between passes.
type Status struct {
	LastRunAt         time.Time       `json:"lastRunAt"`
	NextRunAt         time.Time       `json:"nextRunAt"`
	LastRunCount      int             `json:"lastRunCount"`
	IsRunning         bool            `json:"isRunning"`
	Progress          *Progress       `json:"progress,omitempty"`
	Pending           []QueueItem     `json:"pending,omitempty"`
	RecentlyCompleted []CompletedItem `json:"recentlyCompleted,omitempty"`
	RecentErrors      []CompletedItem `json:"recentErrors,omitempty"`
}

func (s *Status) recordCompleted(item CompletedItem) {
	s.RecentlyCompleted = prepend(s.RecentlyCompleted, item, maxRecentlyCompleted)
}

func (s *Status) recordError(item CompletedItem) {
	s.RecentErrors = prepend(s.RecentErrors, item, maxRecentErrors)
}

func prepend(ring []CompletedItem, item CompletedItem, bound int) []CompletedItem {
	ring = append([]CompletedItem{item}, ring...)
	if len(ring) > bound {
		ring = ring[:bound]
	}
	return ring
}

// clone returns a copy safe to hand to observers.
func (s Status) clone() Status {
	out := s
	if s.Progress != nil {
		progress := *s.Progress
		out.Progress = &progress
	}
	out.Pending = append([]QueueItem(nil), s.Pending...)
	out.RecentlyCompleted = append([]CompletedItem(nil), s.RecentlyCompleted...)
	out.RecentErrors = append([]CompletedItem(nil), s.RecentErrors...)
	return out
}
