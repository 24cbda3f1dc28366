package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay collapses the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Holder owns the live configuration. Plans and the log level take effect
// on reload; every other section is read once at startup.
type Holder struct {
	path   string
	logger zerolog.Logger

	mu        sync.RWMutex
	current   *Config
	digest    [sha256.Size]byte
	listeners []func(*Config)
	failures  []func(error)

	watcher  *fsnotify.Watcher
	pending  *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	h := &Holder{
		path:    abs,
		logger:  logger,
		current: cfg,
		done:    make(chan struct{}),
	}
	if raw, err := os.ReadFile(abs); err == nil {
		h.digest = sha256.Sum256(raw)
	}
	return h, nil
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file. A file that fails to load or validate leaves
// the current configuration in place and is reported to OnError listeners.
func (h *Holder) Reload() error {
	raw, _ := os.ReadFile(h.path)
	digest := sha256.Sum256(raw)

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload rejected, keeping current config")
		for _, fn := range h.snapshotFailures() {
			fn(err)
		}
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.digest = digest
	listeners := append([]func(*Config){}, h.listeners...)
	h.mu.Unlock()

	h.reportChanges(prev, next)
	for _, fn := range listeners {
		fn(next)
	}
	h.logger.Info().Str("path", h.path).Int("plans", len(next.Plans)).Msg("config reloaded")
	return nil
}

// OnChange registers fn to receive every successfully reloaded config.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// OnError registers fn to receive reload failures.
func (h *Holder) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, fn)
}

func (h *Holder) snapshotFailures() []func(error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]func(error){}, h.failures...)
}

// WatchFile reloads when the file changes on disk. The parent directory
// is watched so atomic renames by editors are seen.
func (h *Holder) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(h.path), err)
	}
	h.watcher = w

	go h.watch()
	h.logger.Info().Str("path", h.path).Msg("watching config file")
	return nil
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				h.logger.Info().Msg("SIGHUP received")
				_ = h.Reload()
			case <-h.done:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		if h.watcher != nil {
			h.watcher.Close()
		}
		h.mu.Lock()
		if h.pending != nil {
			h.pending.Stop()
		}
		h.mu.Unlock()
	})
}

func (h *Holder) watch() {
	name := filepath.Base(h.path)
	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			h.logger.Debug().Str("op", ev.Op.String()).Msg("config file event")
			h.scheduleReload()

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("config watcher error")

		case <-h.done:
			return
		}
	}
}

func (h *Holder) scheduleReload() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil {
		h.pending.Stop()
	}
	h.pending = time.AfterFunc(reloadDelay, func() {
		select {
		case <-h.done:
			return
		default:
		}
		if h.unchanged() {
			return
		}
		_ = h.Reload()
	})
}

// unchanged reports whether the file still has the last loaded content.
func (h *Holder) unchanged() bool {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return bytes.Equal(sum[:], h.digest[:])
}

// reportChanges logs what the reload changed and warns about edits that
// need a restart to take effect.
func (h *Holder) reportChanges(prev, next *Config) {
	if prev.Logging.Level != next.Logging.Level {
		h.logger.Info().Str("from", prev.Logging.Level).Str("to", next.Logging.Level).Msg("log level changed")
	}
	if !reflect.DeepEqual(prev.Plans, next.Plans) {
		h.logger.Info().Int("from", len(prev.Plans)).Int("to", len(next.Plans)).Msg("plans changed")
	}

	var restart []string
	check := func(field string, changed bool) {
		if changed {
			restart = append(restart, field)
		}
	}
	check("server", prev.Server != next.Server)
	check("database", prev.Database != next.Database)
	check("billing", prev.Billing != next.Billing)
	check("payment", prev.Payment != next.Payment)
	check("scheduler", prev.Scheduler != next.Scheduler)
	check("events", prev.Events != next.Events)
	check("cron", !reflect.DeepEqual(prev.Cron, next.Cron))
	if len(restart) > 0 {
		h.logger.Warn().Strs("sections", restart).Msg("config changes require a restart")
	}
}

// ReloadableFields lists the settings applied without a restart.
func ReloadableFields() []string {
	return []string{"plans", "logging.level"}
}

// NonReloadableFields lists settings read only at startup.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"database.driver",
		"database.dsn",
		"payment.provider",
		"scheduler.driver",
		"cron.schedules",
	}
}
