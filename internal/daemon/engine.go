// Package daemon implements the per-profile watch engine and the config
// manager that owns engine instances.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/infra"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/usecase"
)

// workQueueCapacity bounds the FIFO between admission and the workers.
const workQueueCapacity = 1000

// notifierRetryDelay is the pause before rebuilding a failed notifier.
const notifierRetryDelay = time.Second

// workerDrainTimeout caps the wait for workers at shutdown.
const workerDrainTimeout = 5 * time.Second

type engineState int

const (
	stateCreated engineState = iota
	stateRunning
	stateIdle // installed but not watching (missing directory)
	stateStopped
)

// Engine runs the full pipeline for one watch profile: fsnotify
// notifications and periodic rescans feed the admission filter, admitted
// targets flow through a bounded queue into workers that gate readiness
// and hand ready files to the launcher.
type Engine struct {
	profile   domain.WatchProfile
	store     domain.LogStore
	logger    *zap.Logger
	launcher  domain.Launcher
	admission *usecase.AdmissionFilter
	gate      *usecase.ReadinessGate
	active    *usecase.ActiveFileSet
	cooldown  *usecase.CooldownMap
	queue     chan string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    engineState
	notifier *fsnotify.Watcher

	producerWg sync.WaitGroup
	workerWg   sync.WaitGroup
}

// NewEngine wires the pipeline components for one profile.
func NewEngine(profile domain.WatchProfile, store domain.LogStore, pm domain.ProcessManager, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	active := usecase.NewActiveFileSet()
	cooldown := usecase.NewCooldownMap(profile.CooldownHorizon())
	queue := make(chan string, workQueueCapacity)

	e := &Engine{
		profile:  profile,
		store:    store,
		logger:   logger.With(zap.String("profile", profile.Name)),
		launcher: infra.NewProcessLauncher(profile, store, pm, logger),
		active:   active,
		cooldown: cooldown,
		queue:    queue,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.admission = usecase.NewAdmissionFilter(profile, active, cooldown, queue, store, e.logger)
	e.gate = usecase.NewReadinessGate(profile, store, e.logger)
	return e
}

// Profile returns the immutable profile this engine runs.
func (e *Engine) Profile() domain.WatchProfile {
	return e.profile
}

// Start launches workers, the notification loop, and the polling loop.
// A missing watch directory is logged and leaves the engine installed but
// idle; it is not an error.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateCreated {
		return fmt.Errorf("engine %q already started", e.profile.Name)
	}

	info, err := os.Stat(e.profile.WatchDirectory)
	if err != nil || !info.IsDir() {
		e.logger.Error("watch directory does not exist, profile stays idle",
			zap.String("directory", e.profile.WatchDirectory))
		e.appendEntry(domain.LogEntry{
			LogType: domain.LogWatcherError,
			Message: "watch directory does not exist: " + e.profile.WatchDirectory,
			Details: "profile: " + e.profile.Name,
		})
		e.state = stateIdle
		return nil
	}

	for i := 0; i < e.profile.WorkerCount(); i++ {
		e.workerWg.Add(1)
		go e.worker()
	}

	// Polling works regardless; notification failures fall back to it.
	if err := e.buildNotifier(); err != nil {
		e.logger.Warn("failed to create file notifier, relying on polling",
			zap.Error(err))
		e.appendEntry(domain.LogEntry{
			LogType: domain.LogWatcherError,
			Message: "failed to create file notifier: " + err.Error(),
			Details: "profile: " + e.profile.Name,
		})
	}

	e.producerWg.Add(2)
	go e.notificationLoop()
	go e.pollingLoop()

	e.state = stateRunning
	e.logger.Info("watch profile started",
		zap.String("directory", e.profile.WatchDirectory),
		zap.Int("workers", e.profile.WorkerCount()))
	return nil
}

// buildNotifier (re)creates the fsnotify watcher. Caller holds e.mu.
func (e *Engine) buildNotifier() error {
	if e.notifier != nil {
		_ = e.notifier.Close()
		e.notifier = nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(e.profile.WatchDirectory); err != nil {
		_ = w.Close()
		return err
	}
	e.notifier = w
	return nil
}

// currentNotifier snapshots the notifier pointer under the rebuild lock.
func (e *Engine) currentNotifier() *fsnotify.Watcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifier
}

// notificationLoop forwards OS change events into admission. A broken
// notifier is logged, rebuilt after a short pause, and the loop resumes;
// polling continues independently during the outage.
func (e *Engine) notificationLoop() {
	defer e.producerWg.Done()

	for {
		w := e.currentNotifier()
		if w == nil {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(notifierRetryDelay):
			}
			e.rebuildNotifier()
			continue
		}

		select {
		case <-e.ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				e.rebuildNotifier()
				continue
			}
			e.handleNotification(ev)

		case err, ok := <-w.Errors:
			if !ok {
				e.rebuildNotifier()
				continue
			}
			e.logger.Warn("file notifier error", zap.Error(err))
			e.appendEntry(domain.LogEntry{
				LogType: domain.LogWatcherError,
				Message: "file notifier error: " + err.Error(),
				Details: "profile: " + e.profile.Name,
			})
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(notifierRetryDelay):
			}
			e.rebuildNotifier()
		}
	}
}

// handleNotification runs non-blocking admission for arrival events.
// Removals never trigger launches.
func (e *Engine) handleNotification(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		e.logger.Debug("file removed", zap.String("path", ev.Name))
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Chmod) {
		return
	}
	path := ev.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.profile.WatchDirectory, filepath.Base(path))
	}
	e.admission.Admit(path, false)
}

// rebuildNotifier recreates the notifier under the lock; failures leave
// the engine polling-only until the next attempt.
func (e *Engine) rebuildNotifier() {
	if e.ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return
	}
	if err := e.buildNotifier(); err != nil {
		e.logger.Warn("failed to rebuild file notifier", zap.Error(err))
	} else {
		e.logger.Info("file notifier rebuilt")
	}
}

// pollingLoop rescans the directory on a single-shot timer that is
// re-armed only after each tick completes. The first scan fires
// immediately at start. Cooldown garbage collection rides the same tick.
func (e *Engine) pollingLoop() {
	defer e.producerWg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}

		e.cooldown.GC(time.Now())
		e.scanDirectory(false)
		timer.Reset(e.profile.PollingInterval())
	}
}

// scanDirectory enumerates regular files and pushes each through
// admission. Returns the number admitted.
func (e *Engine) scanDirectory(manual bool) int {
	entries, err := os.ReadDir(e.profile.WatchDirectory)
	if err != nil {
		e.logger.Warn("failed to enumerate watch directory", zap.Error(err))
		e.appendEntry(domain.LogEntry{
			LogType: domain.LogWatcherError,
			Message: "failed to enumerate watch directory: " + err.Error(),
			Details: "profile: " + e.profile.Name,
		})
		return 0
	}

	admitted := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(e.profile.WatchDirectory, entry.Name())
		if e.admission.Admit(path, manual) {
			admitted++
		}
	}
	return admitted
}

// ManualScan synchronously enumerates the directory with the cooldown
// check disabled and returns the number of files admitted.
func (e *Engine) ManualScan() int {
	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		return 0
	}
	e.producerWg.Add(1)
	e.mu.Unlock()
	defer e.producerWg.Done()

	e.logger.Info("manual scan requested")
	return e.scanDirectory(true)
}

// worker dequeues targets, gates readiness, and dispatches ready files.
func (e *Engine) worker() {
	defer e.workerWg.Done()
	for path := range e.queue {
		e.process(path)
	}
}

// process handles one dequeued target. The target leaves the active set
// on every exit path, and only a dispatched file records a cooldown.
func (e *Engine) process(path string) {
	defer e.active.Remove(path)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("worker panic", zap.String("path", path), zap.Any("panic", r))
			e.appendEntry(domain.LogEntry{
				LogType: domain.LogWatcherError,
				Message: fmt.Sprintf("worker failure processing %s: %v", path, r),
				Details: "profile: " + e.profile.Name,
			})
		}
	}()

	switch e.gate.Wait(e.ctx, path) {
	case usecase.ReadinessMissing, usecase.ReadinessLocked, usecase.ReadinessUnstable:
		// Retryable: no cooldown, next event or rescan re-admits.
		return
	case usecase.ReadinessReady:
	}

	event := domain.FileEvent{
		FilePath:        path,
		EventType:       domain.EventCreated,
		DetectionMethod: domain.DetectionWorkQueue,
		Timestamp:       time.Now().UTC(),
	}
	e.appendEntry(domain.LogEntry{
		LogType: domain.LogFileEvent,
		Message: "file ready for processing: " + filepath.Base(path),
		Details: "profile: " + e.profile.Name + ", file: " + path,
	})

	if err := e.launcher.Launch(e.ctx, event); err != nil {
		e.logger.Warn("launch failed", zap.String("path", path), zap.Error(err))
	}
	e.cooldown.Record(path, time.Now())
}

// Stop tears the engine down: producers first so the queue can be safely
// closed, then a bounded worker drain, then child termination.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == stateStopped {
		e.mu.Unlock()
		return
	}
	wasRunning := e.state == stateRunning
	e.state = stateStopped
	e.cancel()
	if e.notifier != nil {
		_ = e.notifier.Close()
		e.notifier = nil
	}
	e.mu.Unlock()

	if !wasRunning {
		return
	}

	e.producerWg.Wait()
	close(e.queue)

	drained := make(chan struct{})
	go func() {
		e.workerWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(workerDrainTimeout):
		e.logger.Warn("workers did not drain in time")
	}

	e.launcher.Shutdown()
	e.logger.Info("watch profile stopped")
}

// WaitIdle blocks until no work is queued, active, or running, or the
// timeout elapses. Returns true when the pipeline went idle.
func (e *Engine) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if e.active.Len() == 0 && len(e.queue) == 0 && e.launcher.Running() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Running reports whether the engine is actively watching.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

func (e *Engine) appendEntry(entry domain.LogEntry) {
	if err := e.store.Append(entry); err != nil {
		e.logger.Warn("failed to append log entry", zap.Error(err))
	}
}
