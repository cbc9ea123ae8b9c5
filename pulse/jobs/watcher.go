package jobs

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
)

// DefaultWatchDebounce collapses editor save bursts into one resync.
const DefaultWatchDebounce = 500 * time.Millisecond

// DefinitionWatcher calls onChange after a definition file settles.
// The parent directory is watched so editors that replace the file
// (rename over) keep triggering.
type DefinitionWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(path string) error
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	timer    *time.Timer
	debounce time.Duration
	started  bool
	done     chan struct{}
}

// NewDefinitionWatcher starts watching path's directory.
func NewDefinitionWatcher(path string, onChange func(path string) error, log *zap.SugaredLogger) (*DefinitionWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	return &DefinitionWatcher{
		path:     abs,
		watcher:  w,
		onChange: onChange,
		logger:   log.Named("definitions"),
		debounce: DefaultWatchDebounce,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce overrides the debounce period. Call before Start.
func (dw *DefinitionWatcher) SetDebounce(d time.Duration) {
	dw.mu.Lock()
	dw.debounce = d
	dw.mu.Unlock()
}

// Start runs the event loop in the background.
func (dw *DefinitionWatcher) Start() {
	dw.mu.Lock()
	dw.started = true
	dw.mu.Unlock()
	go dw.loop()
}

func (dw *DefinitionWatcher) loop() {
	defer close(dw.done)
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != dw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			dw.logger.Debugw("Definition file changed",
				logger.FieldFile, event.Name,
				"op", event.Op.String())
			dw.schedule()

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warnw("Definition watcher error", logger.FieldError, err)
		}
	}
}

func (dw *DefinitionWatcher) schedule() {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.timer = time.AfterFunc(dw.debounce, func() {
		if err := dw.onChange(dw.path); err != nil {
			dw.logger.Errorw("Definition resync failed",
				logger.FieldFile, dw.path,
				logger.FieldError, err)
			return
		}
		dw.logger.Infow("Definitions resynced", logger.FieldFile, dw.path)
	})
}

// Stop closes the watcher and cancels a pending resync.
func (dw *DefinitionWatcher) Stop() error {
	dw.mu.Lock()
	if dw.timer != nil {
		dw.timer.Stop()
	}
	started := dw.started
	dw.mu.Unlock()

	err := dw.watcher.Close()
	if started {
		<-dw.done
	}
	return err
}
