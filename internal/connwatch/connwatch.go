// Package connwatch tracks the health of the agent's external
// dependencies (network link, broker session) and paces reconnection
// attempts.
//
// Unlike a background poller, a Watcher here is driven by its owner:
// the agent loop calls [Watcher.Check] or [Watcher.Record] with each
// outcome and [Watcher.Backoff] after a failure. That keeps all retry
// timing on the loop goroutine and on the injected clock, so tests can
// drive it deterministically. Status is mutex-guarded and may be read
// concurrently by the health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/envagent/internal/clock"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the delay between failed attempts.
type BackoffConfig struct {
	// InitialDelay is the delay after the first failure (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: InitialDelay).
	MaxDelay time.Duration

	// Multiplier scales the delay after each consecutive failure
	// (default: 1, a fixed delay).
	Multiplier float64

	// ProbeTimeout limits how long each Check may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns a fixed one-second retry delay.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "broker").
	Name string

	// Probe is used by Check. Optional when the owner only calls Record.
	Probe ProbeFunc

	// Backoff controls retry timing.
	Backoff BackoffConfig

	// Clock paces Backoff and stamps checks (default: clock.Real()).
	Clock clock.Clock

	// OnReady is called synchronously when the service transitions from
	// not-ready to ready. Optional.
	OnReady func()

	// OnDown is called synchronously when the service transitions from
	// ready to not-ready. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher tracks one service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool

	// delay is only touched by the owning goroutine.
	delay time.Duration

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// NewWatcher returns a Watcher in the not-ready state. Zero-value
// backoff fields are replaced with defaults.
//
// Panics if Name is empty; that is a programming error.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay < cfg.Backoff.InitialDelay {
		cfg.Backoff.MaxDelay = cfg.Backoff.InitialDelay
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	return &Watcher{
		config: cfg,
		delay:  cfg.Backoff.InitialDelay,
	}
}

// Name returns the watched service name.
func (w *Watcher) Name() string {
	return w.config.Name
}

// IsReady reports whether the last recorded outcome was healthy.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent failure, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Check runs the probe with the configured timeout and records the
// outcome.
func (w *Watcher) Check(ctx context.Context) error {
	if w.config.Probe == nil {
		panic("connwatch: Check called on watcher without a Probe")
	}
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Probe(probeCtx)
	w.Record(err)
	return err
}

// Record stores an outcome observed by the owner and fires transition
// callbacks. A nil err marks the service ready and resets the backoff.
func (w *Watcher) Record(err error) {
	logger := w.config.Logger

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = w.config.Clock.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		w.delay = w.config.Backoff.InitialDelay
		logger.Info("service connected", "service", w.config.Name)
		if w.config.OnReady != nil {
			w.config.OnReady()
		}
	case err == nil:
		w.delay = w.config.Backoff.InitialDelay
	case wasReady:
		w.ready.Store(false)
		logger.Warn("service became unreachable",
			"service", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			w.config.OnDown(err)
		}
	default:
		logger.Debug("service still unreachable",
			"service", w.config.Name,
			"consecutive_failures", failures,
			"error", err,
		)
	}
}

// Backoff sleeps for the current retry delay on the watcher's clock
// and grows the delay for next time. It returns false if ctx was
// cancelled during the wait.
func (w *Watcher) Backoff(ctx context.Context) bool {
	d := w.delay
	next := time.Duration(float64(d) * w.config.Backoff.Multiplier)
	if next > w.config.Backoff.MaxDelay {
		next = w.config.Backoff.MaxDelay
	}
	w.delay = next

	w.config.Logger.Debug("retrying after delay",
		"service", w.config.Name,
		"delay", d.String(),
	)
	return clock.Sleep(ctx, w.config.Clock, d)
}

// ResolveProbe returns a probe that succeeds when host resolves. It is
// the agent's link check: a device with no route or no DNS cannot
// reach the broker either. IP literals always succeed.
func ResolveProbe(host string) ProbeFunc {
	return func(ctx context.Context) error {
		if net.ParseIP(host) != nil {
			return nil
		}
		_, err := net.DefaultResolver.LookupHost(ctx, host)
		return err
	}
}

// Manager registers watchers so their status can be reported together.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch creates and registers a watcher. A nil cfg.Logger inherits the
// manager's logger.
func (m *Manager) Watch(cfg WatcherConfig) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	w := NewWatcher(cfg)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Ready reports whether every registered watcher is ready, and the
// sorted names of those that are not.
func (m *Manager) Ready() (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var down []string
	for name, w := range m.watchers {
		if !w.IsReady() {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return len(down) == 0, down
}
