package control

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
)

// Watcher surfaces control requests as they arrive. fsnotify provides the
// low-latency path; a poll ticker backstops filesystems and editors whose
// writes do not generate usable events. The orchestrator treats the channel
// as a wake-up and re-reads the request file itself, so duplicate
// notifications are harmless.
type Watcher struct {
	runDir  string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	events    chan Request
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching the run directory. pollInterval backstops
// fsnotify; zero means one second.
func NewWatcher(runDir string, pollInterval time.Duration, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create control watcher")
	}
	if err := fsw.Add(runDir); err != nil {
		_ = fsw.Close()
		return nil, errors.Wrapf(err, "watch run directory %s", runDir)
	}

	w := &Watcher{
		runDir:  runDir,
		watcher: fsw,
		logger:  logger,
		events:  make(chan Request, 4),
		stopCh:  make(chan struct{}),
	}
	go w.loop(pollInterval)
	return w, nil
}

// Events delivers pending requests. The channel is never closed while the
// watcher is open; Close ends delivery.
func (w *Watcher) Events() <-chan Request {
	return w.events
}

// Close stops watching. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop(pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRequestFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.deliver()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("control watcher error, poller still active", "error", err)

		case <-ticker.C:
			w.deliver()
		}
	}
}

// deliver checks for a pending request and pushes it without blocking.
func (w *Watcher) deliver() {
	req, err := Check(w.runDir)
	if err != nil {
		w.logger.Warn("control request check failed", "error", err)
		return
	}
	if req == nil {
		return
	}
	select {
	case w.events <- *req:
	default:
		// Channel full: the orchestrator already has a wake-up pending.
	}
}

func isRequestFile(path string) bool {
	return strings.HasSuffix(path, ".request")
}
