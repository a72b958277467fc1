package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Editors replace rather than rewrite, so a single change can surface as
// several events in quick succession. Reload once after the burst.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the settings file whenever it changes and hands the
// result to onChange.
type Watcher struct {
	path     string
	onChange func(Settings)
	log      zerolog.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher watches path. The parent directory is watched, not the file
// itself, so atomic-rename saves keep working.
func NewWatcher(path string, onChange func(Settings), log zerolog.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("[NewWatcher] onChange is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "[NewWatcher] fsnotify")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, errors.Wrap(err, "[NewWatcher] watch dir")
	}

	return &Watcher{path: path, onChange: onChange, log: log, fsw: fsw}, nil
}

// Run blocks until ctx is done, reloading the file after each change.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) reload() {
	loaded, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("settings reload failed, keeping previous values")
		return
	}
	w.log.Info().Int("intervalMinutes", loaded.IntervalMinutes).Bool("respectArchived", loaded.RespectArchived).Msg("settings reloaded")
	w.onChange(loaded)
}
