// Package refresh runs the rate-aware pipeline over tracked listings:
// ordering, sequential per-item refresh, outcome aggregation, and the
// persisted status snapshot observers watch.
package refresh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adwatch/adwatchd/classify"
	"github.com/adwatch/adwatchd/remote"
	"github.com/adwatch/adwatchd/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ItemRefresher refreshes a single tracked listing.
type ItemRefresher interface {
	RefreshItem(ctx context.Context, item remote.TrackedItem) error
}

// ItemSource supplies the tracked listings for a pass.
type ItemSource interface {
	TrackedItems(ctx context.Context) ([]remote.TrackedItem, error)
}

// BatchOptions parameterize one batch pass.
type BatchOptions struct {
	// Interval is used to compute NextRunAt when the pass finishes or is
	// skipped. The schedule is always advanced, even on auth failure.
	Interval time.Duration

	// RespectArchived excludes archived items from the pass. Manual
	// single-item refreshes ignore it.
	RespectArchived bool

	// Authenticated gates the refresh work. An unauthenticated pass does
	// no item work but still persists the next wake-up time.
	Authenticated bool
}

// Pipeline is the refresh pipeline. Items are processed sequentially: the
// extraction collaborator is rate-sensitive and the progress UI needs
// deterministic ordering.
type Pipeline struct {
	kv        store.KV
	source    ItemSource
	refresher ItemRefresher
	notify    func(Status)
	nowTime   func() time.Time
	log       zerolog.Logger

	// mu guards the read-check-write of the persisted IsRunning flag.
	mu sync.Mutex
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.nowTime = nowFunc
	}
}

// WithNotify registers a callback invoked with every persisted snapshot.
func WithNotify(notify func(Status)) PipelineOption {
	return func(p *Pipeline) {
		p.notify = notify
	}
}

// NewPipeline initializes the refresh pipeline.
func NewPipeline(kv store.KV, source ItemSource, refresher ItemRefresher, log zerolog.Logger, options ...PipelineOption) (*Pipeline, error) {
	if kv == nil {
		return nil, errors.New("[NewPipeline] kv store is required")
	}
	if source == nil {
		return nil, errors.New("[NewPipeline] item source is required")
	}
	if refresher == nil {
		return nil, errors.New("[NewPipeline] item refresher is required")
	}

	p := &Pipeline{
		kv:        kv,
		source:    source,
		refresher: refresher,
		nowTime:   time.Now,
		log:       log,
	}

	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// CurrentStatus loads the persisted snapshot, zero-valued when absent.
func (p *Pipeline) CurrentStatus(ctx context.Context) (Status, error) {
	var status Status
	if _, err := p.kv.Get(ctx, store.KeyStatus, &status); err != nil {
		return Status{}, errors.Wrap(err, "[Pipeline.CurrentStatus] kv.Get")
	}
	return status, nil
}

// ResetStale reclaims the IsRunning guard after a crash. A pass cannot
// outlive the process, so a persisted true at startup is always stale.
func (p *Pipeline) ResetStale(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	if !status.IsRunning {
		return nil
	}
	p.log.Warn().Msg("reclaiming stale isRunning flag from a previous process")
	status.IsRunning = false
	status.Progress = nil
	return p.saveStatus(ctx, &status)
}

// ClearErrors empties the persisted error history.
func (p *Pipeline) ClearErrors(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	status.RecentErrors = nil
	if err := p.saveStatus(ctx, &status); err != nil {
		return err
	}
	p.broadcast(status)
	return nil
}

// RunBatch runs one batch pass. It returns false without doing anything
// when a pass is already active. When the session is not authenticated the
// item work is skipped but the next wake-up time is still persisted, so the
// schedule never stalls on auth failure.
func (p *Pipeline) RunBatch(ctx context.Context, opts BatchOptions) (bool, error) {
	p.mu.Lock()
	status, err := p.CurrentStatus(ctx)
	if err != nil {
		p.mu.Unlock()
		return false, err
	}
	if status.IsRunning {
		p.mu.Unlock()
		p.log.Debug().Msg("refresh pass already running, skipping")
		return false, nil
	}

	now := p.nowTime()
	if !opts.Authenticated {
		status.NextRunAt = now.Add(opts.Interval)
		err := p.saveStatus(ctx, &status)
		p.mu.Unlock()
		p.broadcast(status)
		p.log.Info().Time("nextRunAt", status.NextRunAt).Msg("not authenticated, refresh skipped but rescheduled")
		return false, err
	}

	items, err := p.source.TrackedItems(ctx)
	if err != nil {
		status.NextRunAt = now.Add(opts.Interval)
		if saveErr := p.saveStatus(ctx, &status); saveErr != nil {
			p.log.Warn().Err(saveErr).Msg("failed to persist reschedule after listing error")
		}
		p.mu.Unlock()
		p.broadcast(status)
		return false, errors.Wrap(err, "[Pipeline.RunBatch] list tracked items")
	}

	eligible := make([]remote.TrackedItem, 0, len(items))
	for _, item := range items {
		if opts.RespectArchived && item.Archived {
			continue
		}
		eligible = append(eligible, item)
	}
	orderByStaleness(eligible)

	status.IsRunning = true
	status.Progress = &Progress{CurrentIndex: 0, TotalCount: len(eligible)}
	status.Pending = make([]QueueItem, len(eligible))
	for i, item := range eligible {
		status.Pending[i] = QueueItem{ID: item.ID, Title: item.Title, URL: item.URL, Status: ItemPending}
	}
	// Persist before any work so observers see the full queue up front.
	if err := p.saveStatus(ctx, &status); err != nil {
		p.mu.Unlock()
		return false, err
	}
	p.mu.Unlock()
	p.broadcast(status)

	successes := 0
	for i, item := range eligible {
		status.Pending[i].Status = ItemRunning
		status.Progress.CurrentTitle = item.Title
		p.persistQuietly(ctx, &status)
		p.broadcast(status)

		err := p.refresher.RefreshItem(ctx, item)
		completedAt := p.nowTime()

		if err == nil {
			status.Pending[i].Status = ItemSuccess
			status.recordCompleted(CompletedItem{ID: item.ID, Title: item.Title, Status: ItemSuccess, Timestamp: completedAt})
			successes++
		} else if classify.Classify(err) == classify.KindRateLimited {
			// The rate limit applies to the whole credential, not this
			// item: abort the remainder of the pass and leave the tail
			// pending so the UI shows the truncated run.
			status.Pending[i].Status = ItemError
			completed := CompletedItem{ID: item.ID, Title: item.Title, Status: ItemError, Timestamp: completedAt, Error: "rate limited: " + err.Error()}
			status.recordCompleted(completed)
			status.recordError(completed)
			p.persistQuietly(ctx, &status)
			p.broadcast(status)
			p.log.Warn().Err(err).Str("item", item.ID).Msg("rate limited, aborting remainder of pass")
			break
		} else {
			status.Pending[i].Status = ItemError
			completed := CompletedItem{ID: item.ID, Title: item.Title, Status: ItemError, Timestamp: completedAt, Error: err.Error()}
			status.recordCompleted(completed)
			status.recordError(completed)
			p.log.Warn().Err(err).Str("item", item.ID).Msg("item refresh failed")
		}

		status.Progress.CurrentIndex = i + 1
		p.persistQuietly(ctx, &status)
		p.broadcast(status)
	}

	end := p.nowTime()
	status.IsRunning = false
	status.Progress = nil
	status.LastRunAt = end
	status.LastRunCount = successes
	status.NextRunAt = end.Add(opts.Interval)
	if err := p.saveStatus(ctx, &status); err != nil {
		return true, err
	}
	p.broadcast(status)
	p.log.Info().Int("items", len(eligible)).Int("succeeded", successes).Msg("refresh pass complete")
	return true, nil
}

// RunSingle refreshes one item on demand, bypassing the batch setup but
// still skipping when a batch pass is active, to avoid interleaved writes
// to the same persisted record. Archived items are allowed here.
func (p *Pipeline) RunSingle(ctx context.Context, item remote.TrackedItem) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.CurrentStatus(ctx)
	if err != nil {
		return false, err
	}
	if status.IsRunning {
		p.log.Debug().Str("item", item.ID).Msg("batch pass running, manual refresh skipped")
		return false, nil
	}

	refreshErr := p.refresher.RefreshItem(ctx, item)
	completedAt := p.nowTime()

	if refreshErr == nil {
		status.recordCompleted(CompletedItem{ID: item.ID, Title: item.Title, Status: ItemSuccess, Timestamp: completedAt})
	} else {
		message := refreshErr.Error()
		if classify.Classify(refreshErr) == classify.KindRateLimited {
			message = "rate limited: " + message
		}
		completed := CompletedItem{ID: item.ID, Title: item.Title, Status: ItemError, Timestamp: completedAt, Error: message}
		status.recordCompleted(completed)
		status.recordError(completed)
	}

	if err := p.saveStatus(ctx, &status); err != nil {
		return true, err
	}
	p.broadcast(status)
	return true, refreshErr
}

func (p *Pipeline) saveStatus(ctx context.Context, status *Status) error {
	if err := p.kv.Set(ctx, store.KeyStatus, status); err != nil {
		return errors.Wrap(err, "[Pipeline.saveStatus] kv.Set")
	}
	return nil
}

func (p *Pipeline) persistQuietly(ctx context.Context, status *Status) {
	if err := p.saveStatus(ctx, status); err != nil {
		p.log.Warn().Err(err).Msg("failed to persist status snapshot")
	}
}

func (p *Pipeline) broadcast(status Status) {
	if p.notify != nil {
		p.notify(status.clone())
	}
}

// orderByStaleness sorts least-recently-refreshed first; never-refreshed
// items (zero time) come before everything, ties keep insertion order.
func orderByStaleness(items []remote.TrackedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].LastRefreshedAt.Before(items[j].LastRefreshedAt)
	})
}
