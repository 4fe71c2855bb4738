package daemon

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/config"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

// Manager owns zero-to-many watch profile engines sharing a single log
// store. Profiles are installed and torn down at runtime; reconfiguration
// replaces the engine (profiles are immutable once installed).
type Manager struct {
	store  domain.LogStore
	pm     domain.ProcessManager
	logger *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates an empty manager.
func NewManager(store domain.LogStore, pm domain.ProcessManager, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		pm:      pm,
		logger:  logger,
		engines: make(map[string]*Engine),
	}
}

// Install validates and starts an engine for the profile. A profile whose
// watch directory is missing installs idle; installation errors never
// affect sibling profiles.
func (m *Manager) Install(profile domain.WatchProfile) error {
	if err := config.ValidateProfile(profile); err != nil {
		m.logger.Error("invalid watch profile", zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[profile.Name]; exists {
		return fmt.Errorf("profile %q is already installed", profile.Name)
	}

	engine := NewEngine(profile, m.store, m.pm, m.logger)
	if err := engine.Start(); err != nil {
		return err
	}
	m.engines[profile.Name] = engine
	return nil
}

// Remove tears down one profile: workers drain or cancel, children
// terminate.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	engine, ok := m.engines[name]
	if ok {
		delete(m.engines, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("profile %q is not installed", name)
	}
	engine.Stop()
	return nil
}

// ManualScan triggers a synchronous cooldown-bypassing scan on the named
// profile and returns the number of files admitted.
func (m *Manager) ManualScan(name string) (int, error) {
	m.mu.Lock()
	engine, ok := m.engines[name]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("profile %q is not installed", name)
	}
	return engine.ManualScan(), nil
}

// WaitIdle blocks until the named profile has no in-flight work or the
// timeout elapses.
func (m *Manager) WaitIdle(name string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	engine, ok := m.engines[name]
	m.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("profile %q is not installed", name)
	}
	return engine.WaitIdle(timeout), nil
}

// Profiles returns the installed profile names.
func (m *Manager) Profiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	return names
}

// ApplyConfig reconciles the installed profiles with the document:
// removed or changed profiles are torn down, new or changed ones
// installed. Unchanged profiles keep running untouched.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	desired := make(map[string]domain.WatchProfile, len(cfg.Apps))
	for _, p := range cfg.Apps {
		desired[p.Name] = p
	}

	m.mu.Lock()
	var toStop []*Engine
	for name, engine := range m.engines {
		want, ok := desired[name]
		if ok && reflect.DeepEqual(engine.Profile(), want) {
			delete(desired, name)
			continue
		}
		toStop = append(toStop, engine)
		delete(m.engines, name)
	}
	m.mu.Unlock()

	for _, engine := range toStop {
		m.logger.Info("replacing watch profile", zap.String("profile", engine.Profile().Name))
		engine.Stop()
	}
	for _, profile := range desired {
		if err := m.Install(profile); err != nil {
			m.logger.Error("failed to install watch profile",
				zap.String("profile", profile.Name), zap.Error(err))
		}
	}
}

// StopAll tears down every installed profile.
func (m *Manager) StopAll() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, engine := range m.engines {
		engines = append(engines, engine)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, engine := range engines {
		engine.Stop()
	}
}

// WatchConfig reloads and applies the config file whenever it changes.
// Blocks until the context is canceled. Editors that replace the file by
// rename are handled by re-adding the path after each event.
func (m *Manager) WatchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			// Give the writer a moment to finish, then re-arm the watch
			// in case the file was replaced by rename.
			time.Sleep(200 * time.Millisecond)
			_ = watcher.Remove(path)
			if err := watcher.Add(path); err != nil {
				m.logger.Warn("failed to re-arm config watch", zap.Error(err))
			}

			cfg, err := config.Load(path)
			if err != nil {
				m.logger.Error("config reload failed, keeping current profiles", zap.Error(err))
				continue
			}
			m.logger.Info("config reloaded", zap.Int("profiles", len(cfg.Apps)))
			m.ApplyConfig(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
