package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "FLUXWATCH_"

// ErrRejected is returned by Reload when the new config fails validation
// or a subscriber refuses it. The previous config stays current.
var ErrRejected = errors.New("config rejected")

// Loader reads a YAML config file, applies environment overrides and
// defaults, and watches the file for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config) error
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked with every validated config before
// it becomes current. A callback error aborts the reload; callbacks
// registered after it are not called.
func (l *Loader) OnChange(fn func(*Config) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that reloads the config on file
// changes. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload re-reads the config file. The new config becomes current only if
// it validates and every OnChange callback accepts it.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	l.mu.RLock()
	callbacks := make([]func(*Config) error, len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.RUnlock()
	for _, fn := range callbacks {
		if err := fn(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies FLUXWATCH_* overrides and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config env overrides: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills zero values with the built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "text"
	}
	if cfg.Window.Duration == 0 {
		cfg.Window.Duration = 30 * time.Minute
	}
	if cfg.Alerting.RatioThreshold == 0 {
		cfg.Alerting.RatioThreshold = 0.8
	}
	if cfg.Alerting.Workers == 0 {
		cfg.Alerting.Workers = 8
	}
	if cfg.Alerting.QueueDepth == 0 {
		cfg.Alerting.QueueDepth = 1024
	}
	if cfg.Oracle.URL == "" {
		cfg.Oracle.URL = "http://localhost:11434"
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "gemma3:4b"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 10 * time.Second
	}
	if cfg.Oracle.BreakerThreshold == 0 {
		cfg.Oracle.BreakerThreshold = 5
	}
	if cfg.Oracle.BreakerCooldown == 0 {
		cfg.Oracle.BreakerCooldown = 30 * time.Second
	}
	if cfg.Engine.Lanes == 0 {
		cfg.Engine.Lanes = 16
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = 10000
	}
	if cfg.Engine.EventTimeoutMs == 0 {
		cfg.Engine.EventTimeoutMs = 5000
	}
	if cfg.Engine.BusPolicy == "" {
		cfg.Engine.BusPolicy = "continue"
	}
	if cfg.Sinks.RecentAlerts == 0 {
		cfg.Sinks.RecentAlerts = 500
	}
	if cfg.Sinks.Redis.Addr == "" {
		cfg.Sinks.Redis.Addr = "localhost:6379"
	}
	if cfg.Sinks.Redis.Stream == "" {
		cfg.Sinks.Redis.Stream = "fluxwatch:alerts"
	}
	if cfg.Sinks.Redis.MaxLen == 0 {
		cfg.Sinks.Redis.MaxLen = 100000
	}
	if cfg.Ingest.Redis.Addr == "" {
		cfg.Ingest.Redis.Addr = "localhost:6379"
	}
	if cfg.Ingest.Redis.Stream == "" {
		cfg.Ingest.Redis.Stream = "fluxwatch:payments"
	}
	if cfg.Ingest.Redis.Group == "" {
		cfg.Ingest.Redis.Group = "fluxwatch"
	}
	if cfg.Ingest.Redis.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Ingest.Redis.Consumer = "fluxwatch-" + host
	}
	if cfg.Ingest.Redis.Count == 0 {
		cfg.Ingest.Redis.Count = 100
	}
}
