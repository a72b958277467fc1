// Package orchestrator routes timer fires and control messages to the
// session state machine and the refresh pipeline, and owns the persisted
// refresh schedule.
package orchestrator

import (
	"context"
	"time"

	"github.com/adwatch/adwatchd/alarms"
	"github.com/adwatch/adwatchd/credentials"
	"github.com/adwatch/adwatchd/refresh"
	"github.com/adwatch/adwatchd/remote"
	"github.com/adwatch/adwatchd/session"
	"github.com/adwatch/adwatchd/settings"
	"github.com/adwatch/adwatchd/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Alarm names delivered by the timer service.
const (
	AlarmRefresh   = "refresh"
	AlarmAuthCheck = "auth-check"
)

const defaultAuthCheckPeriod = 15 * time.Minute

// SessionMachine is the slice of the session service the router drives.
type SessionMachine interface {
	Initialize(ctx context.Context) (session.Status, error)
	SilentRenew(ctx context.Context) (*credentials.Record, error)
	InteractiveLogin(ctx context.Context) (*credentials.Record, error)
	Logout(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() session.Status
}

// RefreshPipeline is the slice of the refresh pipeline the router drives.
type RefreshPipeline interface {
	RunBatch(ctx context.Context, opts refresh.BatchOptions) (bool, error)
	RunSingle(ctx context.Context, item remote.TrackedItem) (bool, error)
	ClearErrors(ctx context.Context) error
	ResetStale(ctx context.Context) error
	CurrentStatus(ctx context.Context) (refresh.Status, error)
}

// SettingsProvider returns the current user settings.
type SettingsProvider func() settings.Settings

// Router dispatches alarms and messages. A panic in any handler is caught
// at this boundary: a crashed orchestrator silently stops all scheduled
// work, which is the worst failure mode.
type Router struct {
	kv              store.KV
	session         SessionMachine
	pipeline        RefreshPipeline
	source          refresh.ItemSource
	alarms          alarms.Service
	currentSettings SettingsProvider
	broadcast       func(Event)
	log             zerolog.Logger
	nowTime         func() time.Time
	authCheckPeriod time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) RouterOption {
	return func(r *Router) {
		r.nowTime = nowFunc
	}
}

// WithAuthCheckPeriod overrides the fixed auth-check alarm period.
func WithAuthCheckPeriod(period time.Duration) RouterOption {
	return func(r *Router) {
		r.authCheckPeriod = period
	}
}

// WithBroadcast registers the broadcast sink for state-change events.
func WithBroadcast(broadcast func(Event)) RouterOption {
	return func(r *Router) {
		r.broadcast = broadcast
	}
}

// NewRouter initializes the orchestrator router.
func NewRouter(
	kv store.KV,
	sessionMachine SessionMachine,
	pipeline RefreshPipeline,
	source refresh.ItemSource,
	alarmService alarms.Service,
	currentSettings SettingsProvider,
	log zerolog.Logger,
	options ...RouterOption,
) (*Router, error) {
	if kv == nil {
		return nil, errors.New("[NewRouter] kv store is required")
	}
	if sessionMachine == nil {
		return nil, errors.New("[NewRouter] session machine is required")
	}
	if pipeline == nil {
		return nil, errors.New("[NewRouter] refresh pipeline is required")
	}
	if source == nil {
		return nil, errors.New("[NewRouter] item source is required")
	}
	if alarmService == nil {
		return nil, errors.New("[NewRouter] alarm service is required")
	}
	if currentSettings == nil {
		return nil, errors.New("[NewRouter] settings provider is required")
	}

	r := &Router{
		kv:              kv,
		session:         sessionMachine,
		pipeline:        pipeline,
		source:          source,
		alarms:          alarmService,
		currentSettings: currentSettings,
		log:             log,
		nowTime:         time.Now,
		authCheckPeriod: defaultAuthCheckPeriod,
	}

	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// HandleMessage dispatches one control message. It never panics and never
// returns an unhandled error for unknown types: unknown messages are a
// no-op with Handled false.
func (r *Router) HandleMessage(ctx context.Context, msg Message) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("message", string(msg.Type)).Msg("recovered panic in message handler")
			resp = Response{Handled: false}
		}
	}()

	switch msg.Type {
	case MsgTriggerManualRefresh:
		return r.triggerManualRefresh(ctx)
	case MsgRefreshItem:
		return r.refreshItem(ctx, msg.ItemID)
	case MsgRescheduleAlarm:
		return r.reschedule(ctx, msg.Minutes)
	case MsgClearRefreshErrors:
		if err := r.pipeline.ClearErrors(ctx); err != nil {
			return errorResponse(err)
		}
		return handledResponse()
	case MsgCheckAuth:
		r.checkAuth(ctx)
		return handledResponse()
	case MsgTrySilentLogin:
		r.trySilentLogin(ctx)
		return handledResponse()
	case MsgInitializeAlarm:
		if err := r.initializeAlarms(ctx); err != nil {
			return errorResponse(err)
		}
		return handledResponse()
	case MsgInteractiveLogin:
		return r.interactiveLogin(ctx)
	case MsgLogout:
		return r.teardownSession(ctx, r.session.Logout)
	case MsgDisconnect:
		return r.teardownSession(ctx, r.session.Disconnect)
	default:
		r.log.Debug().Str("message", string(msg.Type)).Msg("unknown message type ignored")
		return Response{Handled: false}
	}
}

// HandleAlarm dispatches one timer fire. Unknown alarm names are ignored.
func (r *Router) HandleAlarm(ctx context.Context, name string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("alarm", name).Msg("recovered panic in alarm handler")
		}
	}()

	switch name {
	case AlarmRefresh:
		r.runScheduledPass(ctx)
	case AlarmAuthCheck:
		r.checkAuth(ctx)
	default:
		r.log.Debug().Str("alarm", name).Msg("unknown alarm ignored")
	}
}

func (r *Router) triggerManualRefresh(ctx context.Context) Response {
	authenticated := r.session.Status() == session.StatusAuthenticated
	started, err := r.pipeline.RunBatch(ctx, r.batchOptions(ctx, authenticated))
	if err != nil {
		r.log.Warn().Err(err).Msg("manual refresh failed")
		return successResponse(false)
	}
	return successResponse(started)
}

func (r *Router) refreshItem(ctx context.Context, itemID string) Response {
	if itemID == "" {
		return errorResponse(errors.New("itemId is required"))
	}
	items, err := r.source.TrackedItems(ctx)
	if err != nil {
		return errorResponse(err)
	}
	for _, item := range items {
		if item.ID != itemID {
			continue
		}
		started, err := r.pipeline.RunSingle(ctx, item)
		if err != nil {
			r.log.Warn().Err(err).Str("item", itemID).Msg("single item refresh failed")
		}
		return successResponse(started && err == nil)
	}
	return errorResponse(errors.Errorf("unknown item %q", itemID))
}

// reschedule rearms the refresh alarm and persists the schedule. The old
// registration is cleared before the new one is armed so two timers never
// coexist under the same name.
func (r *Router) reschedule(ctx context.Context, minutes *int) Response {
	interval := clampInterval(r.currentSettings().Interval())
	if minutes != nil {
		interval = clampInterval(time.Duration(*minutes) * time.Minute)
	}

	nextFireAt := r.nowTime().Add(interval)
	state := ScheduleState{
		IntervalMinutes: int(interval / time.Minute),
		NextFireAt:      nextFireAt,
	}
	if err := r.kv.Set(ctx, store.KeySchedule, state); err != nil {
		return errorResponse(errors.Wrap(err, "[Router.reschedule] persist schedule"))
	}

	r.alarms.Clear(AlarmRefresh)
	r.alarms.Create(AlarmRefresh, nextFireAt, interval)
	r.log.Info().Dur("interval", interval).Time("nextFireAt", nextFireAt).Msg("refresh alarm rescheduled")
	return handledResponse()
}

func (r *Router) checkAuth(ctx context.Context) {
	status, err := r.session.Initialize(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("auth check failed")
	}
	r.broadcastAuthState(status)
}

func (r *Router) trySilentLogin(ctx context.Context) {
	if _, err := r.session.SilentRenew(ctx); err != nil {
		r.log.Debug().Err(err).Msg("forced silent renewal failed")
	}
	r.broadcastAuthState(r.session.Status())
}

func (r *Router) interactiveLogin(ctx context.Context) Response {
	_, err := r.session.InteractiveLogin(ctx)
	r.broadcastAuthState(r.session.Status())
	if err != nil {
		r.log.Warn().Err(err).Msg("interactive login failed")
		return successResponse(false)
	}
	return successResponse(true)
}

func (r *Router) teardownSession(ctx context.Context, teardown func(context.Context) error) Response {
	err := teardown(ctx)
	r.broadcastAuthState(r.session.Status())
	if err != nil {
		return errorResponse(err)
	}
	return successResponse(true)
}

// initializeAlarms is the idempotent startup routine: reclaim a stale
// isRunning guard, arm both alarms, and run a pass immediately when the
// persisted schedule says one is overdue.
func (r *Router) initializeAlarms(ctx context.Context) error {
	if err := r.pipeline.ResetStale(ctx); err != nil {
		return errors.Wrap(err, "[Router.initializeAlarms] reset stale status")
	}

	var state ScheduleState
	if _, err := r.kv.Get(ctx, store.KeySchedule, &state); err != nil {
		return errors.Wrap(err, "[Router.initializeAlarms] read schedule")
	}

	interval := clampInterval(r.currentSettings().Interval())
	if state.IntervalMinutes > 0 {
		interval = clampInterval(time.Duration(state.IntervalMinutes) * time.Minute)
	}

	now := r.nowTime()
	overdue := !state.NextFireAt.IsZero() && !state.NextFireAt.After(now)
	if overdue {
		r.log.Info().Time("nextFireAt", state.NextFireAt).Msg("persisted schedule is overdue, running pass now")
		r.runScheduledPass(ctx)
		now = r.nowTime()
	}

	nextFireAt := state.NextFireAt
	if overdue || nextFireAt.IsZero() {
		nextFireAt = now.Add(interval)
	}

	state.IntervalMinutes = int(interval / time.Minute)
	state.NextFireAt = nextFireAt
	if err := r.kv.Set(ctx, store.KeySchedule, state); err != nil {
		return errors.Wrap(err, "[Router.initializeAlarms] persist schedule")
	}

	r.alarms.Clear(AlarmRefresh)
	r.alarms.Create(AlarmRefresh, nextFireAt, interval)
	r.alarms.Clear(AlarmAuthCheck)
	r.alarms.Create(AlarmAuthCheck, now.Add(r.authCheckPeriod), r.authCheckPeriod)
	r.log.Info().Dur("interval", interval).Time("nextFireAt", nextFireAt).Msg("alarms armed")
	return nil
}

// runScheduledPass runs one batch pass and advances the persisted
// schedule. The schedule moves forward even when the pass is skipped.
func (r *Router) runScheduledPass(ctx context.Context) {
	authenticated := r.session.Status() == session.StatusAuthenticated
	if !authenticated {
		// Give a locally expired session one silent renewal before
		// skipping the pass.
		if status, err := r.session.Initialize(ctx); err == nil {
			authenticated = status == session.StatusAuthenticated
		}
	}

	opts := r.batchOptions(ctx, authenticated)
	if _, err := r.pipeline.RunBatch(ctx, opts); err != nil {
		r.log.Warn().Err(err).Msg("scheduled refresh pass failed")
	}

	state := ScheduleState{
		IntervalMinutes: int(opts.Interval / time.Minute),
		NextFireAt:      r.nowTime().Add(opts.Interval),
	}
	if err := r.kv.Set(ctx, store.KeySchedule, state); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist schedule after pass")
	}
}

func (r *Router) batchOptions(ctx context.Context, authenticated bool) refresh.BatchOptions {
	current := r.currentSettings()
	interval := clampInterval(current.Interval())

	var state ScheduleState
	if ok, err := r.kv.Get(ctx, store.KeySchedule, &state); err == nil && ok && state.IntervalMinutes > 0 {
		interval = clampInterval(time.Duration(state.IntervalMinutes) * time.Minute)
	}

	return refresh.BatchOptions{
		Interval:        interval,
		RespectArchived: current.RespectArchived,
		Authenticated:   authenticated,
	}
}

func (r *Router) broadcastAuthState(status session.Status) {
	if r.broadcast == nil {
		return
	}
	authState := AuthLoggedOut
	if status == session.StatusAuthenticated {
		authState = AuthLoggedIn
	}
	r.broadcast(NewEvent(EventAuthStateChanged, AuthStatePayload{Status: authState}))
}
