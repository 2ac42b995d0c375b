package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for a supervised process.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
}

// HealthProbe reports whether a dependency the supervisor cares about
// (registry store, a server's RCON connection, a log tailer) is reachable.
type HealthProbe func(ctx context.Context) error

// BaseService provides a consistent foundation for the long-running
// components of the operations plane (status loop, log tailers, marketplace
// engine) with:
//   - Safe stop channel management (sync.Once prevents double-close panic)
//   - Optional hydration hook for loading state on startup
//   - Background ticker-worker management
//   - Aggregated health reporting across registered probes
type BaseService struct {
	id      string
	name    string
	version string

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once
	running  bool
	runMu    sync.Mutex

	// Extensibility hooks
	hydrate func(context.Context) error
	statsFn func() map[string]any

	// Worker management
	workers []func(context.Context)

	// Health tracking
	probes          map[string]HealthProbe
	healthMu        sync.RWMutex
	probeHealthy    map[string]bool
	lastHealthCheck time.Time
	startTime       time.Time

	logger *logging.Logger
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "service"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:           cfgValue.ID,
		name:         cfgValue.Name,
		version:      cfgValue.Version,
		stopCh:       make(chan struct{}),
		probes:       make(map[string]HealthProbe),
		probeHealthy: make(map[string]bool),
		logger:       logger,
	}
}

// ID returns the supervisor's identifier.
func (b *BaseService) ID() string { return b.id }

// Name returns the supervisor's human-readable name.
func (b *BaseService) Name() string { return b.name }

// Version returns the supervisor's version string.
func (b *BaseService) Version() string { return b.version }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("service")
	}
	if b.logger != nil {
		return b.logger
	}
	serviceName := b.ID()
	if serviceName == "" {
		serviceName = "service"
	}
	b.logger = logging.NewFromEnv(serviceName)
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start.
// The hydrate function is called after the base service starts but before
// background workers are launched. Use this for loading persistent state.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function whose result Stats returns.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// Stats returns the current statistics snapshot, or nil if none was registered.
func (b *BaseService) Stats() map[string]any {
	if b.statsFn == nil {
		return nil
	}
	return b.statsFn()
}

// RegisterProbe adds a named health probe. CheckHealth calls every registered
// probe; HealthStatus degrades to "unhealthy" if any probe's last check failed.
func (b *BaseService) RegisterProbe(name string, probe HealthProbe) *BaseService {
	if probe == nil {
		return b
	}
	b.healthMu.Lock()
	b.probes[name] = probe
	b.healthMu.Unlock()
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should respect context cancellation.
// Workers should also monitor StopChan() for service shutdown signals.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on start
// (before waiting for the first ticker interval).
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker.
// This is a convenience method that wraps the common ticker loop pattern used
// by the log tailers (~5s).
// The worker function is called at the specified interval until Stop() is called.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					// Log error but continue - a single failed tick must not stop the scheduler.
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins up all registered workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return fmt.Errorf("%s: already running", b.id)
	}
	b.running = true
	b.runMu.Unlock()

	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to exit. This method is idempotent - calling it
// multiple times is safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth refreshes the cached health state by probing every registered dependency.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	b.healthMu.RLock()
	probes := make(map[string]HealthProbe, len(b.probes))
	for name, probe := range b.probes {
		probes[name] = probe
	}
	b.healthMu.RUnlock()

	results := make(map[string]bool, len(probes))
	for name, probe := range probes {
		results[name] = probe(ctx) == nil
	}

	b.healthMu.Lock()
	b.probeHealthy = results
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns the aggregated health status string.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	probeDetails := make(map[string]bool, len(b.probeHealthy))
	for name, healthy := range b.probeHealthy {
		probeDetails[name] = healthy
	}

	details := map[string]any{
		"status": b.healthStatusLocked(),
		"probes": probeDetails,
	}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	return details
}

func (b *BaseService) healthStatusLocked() string {
	if len(b.probeHealthy) == 0 {
		return "healthy"
	}
	failures := 0
	for _, healthy := range b.probeHealthy {
		if !healthy {
			failures++
		}
	}
	switch {
	case failures == 0:
		return "healthy"
	case failures < len(b.probeHealthy):
		return "degraded"
	default:
		return "unhealthy"
	}
}

// =============================================================================
// Interface Compliance
// =============================================================================

// Ensure BaseService implements HealthChecker.
var _ HealthChecker = (*BaseService)(nil)
