package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/adwatch/adwatchd/alarms"
	"github.com/adwatch/adwatchd/broker"
	"github.com/adwatch/adwatchd/credentials"
	"github.com/adwatch/adwatchd/extract"
	"github.com/adwatch/adwatchd/internal/config"
	"github.com/adwatch/adwatchd/orchestrator"
	"github.com/adwatch/adwatchd/refresh"
	"github.com/adwatch/adwatchd/remote"
	"github.com/adwatch/adwatchd/server"
	"github.com/adwatch/adwatchd/session"
	"github.com/adwatch/adwatchd/settings"
	"github.com/adwatch/adwatchd/store"
	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("daemon exited with error")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("daemon stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	logger := newLogger(c)
	displayAppname(c.GetAppName())

	if err := os.MkdirAll(c.GetDataFolder(), 0o700); err != nil {
		return errors.Wrap(err, "create data folder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := store.NewSQLiteStore(filepath.Join(c.GetDataFolder(), "adwatchd.db"))
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer kv.Close()

	hub := server.NewHub()

	tokenBroker, err := broker.NewOIDCBroker(
		c.GetOIDCIssuer(), c.GetOIDCClientID(), c.GetOIDCScopes(), kv, logger,
		broker.WithSilentTimeout(c.GetSilentTimeout()),
	)
	if err != nil {
		return errors.Wrap(err, "build token broker")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	api := remote.NewClient(c.GetAPIBaseURL(), httpClient)
	extractor := extract.NewHTTPExtractor(c.GetExtractorURL(), c.GetExtractorKey(), httpClient)
	creds := credentials.NewStore(kv)

	sessionSvc, err := session.NewService(creds, tokenBroker, api, logger)
	if err != nil {
		return errors.Wrap(err, "build session service")
	}

	tokenProvider := refresh.TokenProvider(sessionSvc.SessionToken)
	refresher := refresh.NewListingRefresher(api, extractor, tokenProvider)
	source := refresh.NewAPISource(api, tokenProvider)

	pipeline, err := refresh.NewPipeline(kv, source, refresher, logger,
		refresh.WithNotify(func(status refresh.Status) {
			hub.Broadcast(orchestrator.NewEvent(orchestrator.EventRefreshStatusChanged, status))
		}),
	)
	if err != nil {
		return errors.Wrap(err, "build refresh pipeline")
	}

	holder := newSettingsHolder(logger, c.GetSettingsFile())
	clock := alarms.NewClock(logger)
	defer clock.Stop()

	router, err := orchestrator.NewRouter(
		kv, sessionSvc, pipeline, source, clock, holder.Current, logger,
		orchestrator.WithAuthCheckPeriod(c.GetAuthCheckPeriod()),
		orchestrator.WithBroadcast(hub.Broadcast),
	)
	if err != nil {
		return errors.Wrap(err, "build router")
	}
	clock.SetHandler(func(name string) {
		router.HandleAlarm(ctx, name)
	})

	if _, err := sessionSvc.Initialize(ctx); err != nil {
		logger.Warn().Err(err).Msg("session initialization failed")
	}
	resp := router.HandleMessage(ctx, orchestrator.Message{Type: orchestrator.MsgInitializeAlarm})
	if resp.Error != "" {
		return errors.New(resp.Error)
	}

	watcher, err := settings.NewWatcher(c.GetSettingsFile(), func(updated settings.Settings) {
		holder.Replace(updated)
		minutes := updated.IntervalMinutes
		router.HandleMessage(ctx, orchestrator.Message{Type: orchestrator.MsgRescheduleAlarm, Minutes: &minutes})
	}, logger)
	if err != nil {
		return errors.Wrap(err, "watch settings")
	}
	defer watcher.Close()
	go watcher.Run(ctx)

	controlAPI, err := server.NewServer(router, statusFunc(sessionSvc, pipeline, kv), hub, logger)
	if err != nil {
		return errors.Wrap(err, "build control api")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- controlAPI.ListenAndServe(ctx, c.GetListenAddr())
	}()

	select {
	case err := <-serveErr:
		return err
	case <-stopSignal():
		cancel()
		return <-serveErr
	}
}

func statusFunc(sessionSvc *session.Service, pipeline *refresh.Pipeline, kv store.KV) server.StatusFunc {
	return func(ctx context.Context) (server.StatusSnapshot, error) {
		refreshStatus, err := pipeline.CurrentStatus(ctx)
		if err != nil {
			return server.StatusSnapshot{}, err
		}

		var schedule orchestrator.ScheduleState
		if _, err := kv.Get(ctx, store.KeySchedule, &schedule); err != nil {
			return server.StatusSnapshot{}, err
		}

		snapshot := server.StatusSnapshot{
			AuthStatus: string(sessionSvc.Status()),
			Refresh:    refreshStatus,
			Schedule:   schedule,
		}
		if identity, ok := sessionSvc.Identity(ctx); ok {
			snapshot.Identity = identity
		}
		return snapshot, nil
	}
}

// settingsHolder keeps the latest loaded settings behind a lock so the
// router and the file watcher can share them.
type settingsHolder struct {
	mu      sync.RWMutex
	current settings.Settings
}

func newSettingsHolder(logger zerolog.Logger, path string) *settingsHolder {
	loaded, err := settings.Load(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("settings load failed, using defaults")
		loaded = settings.Default()
	}
	return &settingsHolder{current: loaded}
}

func (h *settingsHolder) Current() settings.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *settingsHolder) Replace(updated settings.Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = updated
}

func newLogger(c config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if c.GetEnv() == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func stopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
