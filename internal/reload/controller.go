// Package reload drives rule-set hot reload: an initial load at startup,
// then any combination of manual trigger, fsnotify filesystem watch, cron
// schedule, and NATS broadcast (for multi-replica fan-out), following the
// teacher's hot-reload scanner's atomic-swap protocol generalized from a
// single ticker-poll trigger to this system's several trigger sources.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/swarmguard/layer0-scanner/internal/dataset"
	"github.com/swarmguard/layer0-scanner/internal/natsbus"
	"github.com/swarmguard/layer0-scanner/internal/registry"
	"github.com/swarmguard/layer0-scanner/internal/resilience"
)

// breakerDefaults configure each dataset path's circuit breaker: a 30s
// rolling window over 6 buckets, tripping once at least 4 samples show a
// 50% failure rate, probing again after 20s with at most 2 concurrent
// half-open probes.
const (
	breakerWindow            = 30 * time.Second
	breakerBuckets           = 6
	breakerMinSamples        = 4
	breakerFailureRateOpen   = 0.5
	breakerHalfOpenAfter     = 20 * time.Second
	breakerMaxHalfOpenProbes = 2
)

// Controller owns the reload lifecycle: it is the registry's single
// writer. Every trigger path funnels through Reload, which loads, admits,
// and atomically swaps a new snapshot in, or leaves the previous snapshot
// in place on any failure (fail-closed: a bad reload never degrades the
// active rule set).
type Controller struct {
	loader       *dataset.Loader
	registry     *registry.Registry
	datasetPaths []string
	bus          *natsbus.Bus
	cronExpr     string
	watchEnabled bool
	logger       *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	cronSched *cron.Cron
	stopCh    chan struct{}
	breakers  map[string]*resilience.CircuitBreaker
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithCronSchedule enables a periodic reload on the given standard
// five-field cron expression.
func WithCronSchedule(expr string) Option {
	return func(c *Controller) { c.cronExpr = expr }
}

// WithFilesystemWatch enables fsnotify-triggered reload on the configured
// dataset paths.
func WithFilesystemWatch(enabled bool) Option {
	return func(c *Controller) { c.watchEnabled = enabled }
}

// WithNATSBus enables publishing a reload-completed event after every
// successful reload, for fan-out to other replicas.
func WithNATSBus(bus *natsbus.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// New constructs a Controller. It does not perform the initial load;
// callers must call Reload once before Start to populate the registry, or
// rely on New's caller having already built an initial snapshot.
func New(loader *dataset.Loader, reg *registry.Registry, datasetPaths []string, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		loader:       loader,
		registry:     reg,
		datasetPaths: datasetPaths,
		logger:       logger,
		stopCh:       make(chan struct{}),
		breakers:     make(map[string]*resilience.CircuitBreaker, len(datasetPaths)),
	}
	for _, path := range datasetPaths {
		c.breakers[path] = resilience.NewCircuitBreaker(
			breakerWindow, breakerBuckets, breakerMinSamples,
			breakerFailureRateOpen, breakerHalfOpenAfter, breakerMaxHalfOpenProbes,
		)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background fsnotify watcher and cron scheduler, if
// configured. It returns immediately; triggers fire asynchronously until
// Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	if c.watchEnabled {
		if err := c.startWatcher(ctx); err != nil {
			return fmt.Errorf("reload: starting filesystem watcher: %w", err)
		}
	}
	if c.cronExpr != "" {
		c.startCron(ctx)
	}
	return nil
}

// Stop shuts down the watcher and cron scheduler.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		c.watcher.Close()
	}
	if c.cronSched != nil {
		c.cronSched.Stop()
	}
}

func (c *Controller) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range c.datasetPaths {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				c.logger.Info("dataset change detected", "path", event.Name, "op", event.Op.String())
				if _, err := c.Reload(ctx); err != nil {
					c.logger.Error("fsnotify-triggered reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Error("filesystem watcher error", "error", err)
			case <-c.stopCh:
				return
			}
		}
	}()
	return nil
}

func (c *Controller) startCron(ctx context.Context) {
	sched := cron.New()
	_, err := sched.AddFunc(c.cronExpr, func() {
		if _, err := c.Reload(ctx); err != nil {
			c.logger.Error("cron-triggered reload failed", "error", err)
		}
	})
	if err != nil {
		c.logger.Error("invalid reload cron expression", "expr", c.cronExpr, "error", err)
		return
	}
	c.mu.Lock()
	c.cronSched = sched
	c.mu.Unlock()
	sched.Start()
}

// Result reports the outcome of a completed Reload, so that callers (the
// HTTP control endpoint, startup logging) can surface the new snapshot's
// identity and per-dataset admission diagnostics without re-querying the
// registry themselves.
type Result struct {
	RuleSetVersion string
	TotalRules     int
	TotalDatasets  int
	Diagnostics    []dataset.LoadDiagnostics
}

// Reload loads every configured dataset path, admits the resulting rules
// into a new snapshot, and atomically swaps it in. On any load error
// (including an HMAC mismatch on a whole dataset), the previous snapshot
// remains active and Reload returns the error — fail-closed at the
// dataset level, mirroring the scanner's own fail-closed default for
// individual requests.
func (c *Controller) Reload(ctx context.Context) (Result, error) {
	var allRules []dataset.Rule
	var diagnostics []dataset.LoadDiagnostics
	datasetCount := 0

	for _, path := range c.datasetPaths {
		breaker := c.breakers[path]
		if breaker != nil && !breaker.Allow() {
			return Result{Diagnostics: diagnostics}, fmt.Errorf("reload: %s: circuit open after repeated load failures", path)
		}

		raw, diag, err := c.loader.LoadFile(path)
		if breaker != nil {
			breaker.RecordResult(err == nil)
		}
		if err != nil {
			return Result{Diagnostics: diagnostics}, fmt.Errorf("reload: loading %s: %w", path, err)
		}
		datasetCount++
		allRules = append(allRules, raw...)
		diagnostics = append(diagnostics, diag)
		c.logger.Info("dataset loaded",
			"path", path,
			"admitted", diag.AdmittedCount,
			"quarantined", diag.QuarantinedCount,
		)
	}

	next := registry.Build(allRules, datasetCount)
	c.registry.Swap(next)
	c.logger.Info("rule set reloaded", "version", next.Version(), "total_rules", len(allRules))

	result := Result{
		RuleSetVersion: next.Version(),
		TotalRules:     len(allRules),
		TotalDatasets:  datasetCount,
		Diagnostics:    diagnostics,
	}

	if c.bus != nil {
		total, _ := next.Stats()
		if err := c.bus.PublishReload(ctx, natsbus.ReloadEvent{
			RuleSetVersion: next.Version(),
			TotalRules:     total,
		}); err != nil {
			c.logger.Warn("failed to broadcast reload event", "error", err)
		}
	}
	return result, nil
}
