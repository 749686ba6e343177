package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const configFileName = "config.yaml"

// settleWindow coalesces editor write bursts (truncate + write + chmod)
// into a single reload so the engine does not swap tunables mid-burst.
const settleWindow = 200 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits one event per settled change to config.yaml. On reload the
// daemon swaps the engine tunables (claim timeout, retry policy, default max
// retries); worker count, sweep cadence, and db_path still need a restart.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: editors that write via rename would
	// otherwise silently detach the watch.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		var (
			pending ReloadEvent
			settle  *time.Timer
			settleC <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != configFileName {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Accumulate ops for the burst; the timer from the first
				// event delivers them as one reload.
				pending = ReloadEvent{Path: ev.Name, Op: pending.Op | ev.Op}
				if settle == nil {
					settle = time.NewTimer(settleWindow)
					settleC = settle.C
				}
			case <-settleC:
				settle = nil
				settleC = nil
				select {
				case w.events <- pending:
				default:
					// A reload is already queued; the daemon re-reads the
					// file on delivery, so dropping the duplicate is safe.
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
				pending = ReloadEvent{}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
