// Package lifecycle is the Lifecycle Controller: it owns top-level start()
// and stop(), bringing up every other component leaf-first and tearing
// them down in the reverse order with a graceful drain.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/autoweaved/autoweaved/internal/apperrors"
	"github.com/autoweaved/autoweaved/internal/boundary"
	"github.com/autoweaved/autoweaved/internal/eventbus"
	"github.com/autoweaved/autoweaved/internal/logger"
	"github.com/autoweaved/autoweaved/internal/pluginhost"
	"github.com/autoweaved/autoweaved/internal/queue"
	"github.com/autoweaved/autoweaved/internal/streamconsumer"
	"github.com/autoweaved/autoweaved/internal/workerpool"
)

// Config bounds the three shutdown phases plus the sweep cadence a running
// Controller uses to promote delayed jobs and recover stalled leases.
type Config struct {
	// ShutdownTimeout (a.k.a. drainTimeout) bounds how long in-flight jobs
	// get to finish naturally before being forced back to waiting.
	ShutdownTimeout time.Duration
	// CleanupTimeout bounds each individual stopPlugin call.
	CleanupTimeout time.Duration
	// OverallShutdownTimeout bounds the entire stop() sequence.
	OverallShutdownTimeout time.Duration
	// SweepInterval governs how often PromoteDelayed/StalledSweep run per
	// registered queue while the Controller is running.
	SweepInterval time.Duration
	// Plugins is the set of plugin directory names to load and start
	// during Start, in order.
	Plugins []string
	// Queues lists every queue name the sweep loop maintains.
	Queues []string
}

func (c *Config) setDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
	if c.OverallShutdownTimeout <= 0 {
		c.OverallShutdownTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
}

// Controller wires together the Stream Consumer, Queue Manager, Worker
// Pool/Scheduler, and Plugin Host, and is the only component that knows
// the shutdown order between them.
type Controller struct {
	cfg Config

	host      *pluginhost.Host
	boundary  *boundary.Boundary
	queues    *queue.Manager
	consumer  *streamconsumer.Consumer
	scheduler *workerpool.Scheduler
	bus       *eventbus.Bus

	mu            sync.Mutex
	accepting     bool
	loadOrder     []string
	consumerCancel context.CancelFunc
	sweepCancel   context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a Controller. Every dependency is constructed by the caller
// (leaf components first) and handed in already wired to each other via
// the event bus; the Controller only sequences their start/stop calls.
func New(cfg Config, host *pluginhost.Host, b *boundary.Boundary, queues *queue.Manager, consumer *streamconsumer.Consumer, scheduler *workerpool.Scheduler, bus *eventbus.Bus) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:       cfg,
		host:      host,
		boundary:  b,
		queues:    queues,
		consumer:  consumer,
		scheduler: scheduler,
		bus:       bus,
	}
}

// Start initialises components leaf-first: it is idempotent on partial
// failure, since each underlying init (EnsureGroup, LoadPlugin+StartPlugin)
// is itself re-runnable and tolerates already-done state, and the
// scheduler, consumer loop and sweep loop are started only once.
func (c *Controller) Start(ctx context.Context) error {
	log := logger.Lifecycle()

	if err := c.consumer.EnsureGroup(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindConfig, "stream-unreachable", "failed to ensure consumer group", err)
	}

	for _, dir := range c.cfg.Plugins {
		pluginID, err := c.host.LoadPlugin(dir)
		if err != nil {
			if !isAlreadyLoaded(err) {
				log.Error().Err(err).Str("plugin_dir", dir).Msg("failed to load configured plugin")
				continue
			}
			// Already loaded by an earlier, partially-failed Start: the
			// plugin directory name is its registry key (ReloadPlugin
			// relies on the same convention), so recover the id from dir.
			pluginID = dir
		}
		if err := c.host.StartPlugin(pluginID); err != nil && !isAlreadyRunning(err) {
			log.Error().Err(err).Str("plugin_id", pluginID).Msg("failed to start configured plugin")
			continue
		}
		c.mu.Lock()
		c.loadOrder = append(c.loadOrder, pluginID)
		c.mu.Unlock()
	}

	if c.consumerCancel != nil {
		// Already running from an earlier Start.
		return nil
	}

	c.scheduler.Start(ctx)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	c.consumerCancel = consumerCancel
	c.wg.Add(1)
	go c.runConsumer(consumerCtx)

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	c.sweepCancel = sweepCancel
	c.wg.Add(1)
	go c.runSweeps(sweepCtx)

	c.mu.Lock()
	c.accepting = true
	c.mu.Unlock()

	log.Info().Int("plugins", len(c.loadOrder)).Msg("started")
	return nil
}

// AddJob is the gate external APIs call through: once shutdown has begun
// it refuses new work instead of reaching the Queue Manager directly.
func (c *Controller) AddJob(ctx context.Context, queueName, jobType string, payload interface{}, opts queue.AddOptions) (string, error) {
	c.mu.Lock()
	accepting := c.accepting
	c.mu.Unlock()
	if !accepting {
		return "", apperrors.New(apperrors.KindConfig, "shutting-down", "controller is shutting down, not accepting new jobs")
	}
	return c.queues.AddJob(ctx, queueName, jobType, payload, opts)
}

func (c *Controller) runConsumer(ctx context.Context) {
	defer c.wg.Done()
	log := logger.Lifecycle()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := c.consumer.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("stream consumer batch failed")
			sleepOrDone(ctx, time.Second)
		}
	}
}

func (c *Controller) runSweeps(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	log := logger.Lifecycle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, q := range c.cfg.Queues {
			if _, err := c.queues.PromoteDelayed(ctx, q); err != nil {
				log.Warn().Err(err).Str("queue", q).Msg("promote delayed failed")
			}
			if _, err := c.queues.StalledSweep(ctx, q); err != nil {
				log.Warn().Err(err).Str("queue", q).Msg("stalled sweep failed")
			}
		}
		if _, err := c.consumer.ClaimStalled(ctx); err != nil {
			log.Warn().Err(err).Msg("claim stalled stream entries failed")
		}
	}
}

// Stop runs the graceful shutdown sequence, bounded overall by
// OverallShutdownTimeout:
//
//  1. stop the stream consumer (no new ingest)
//  2. stop accepting new addJob calls
//  3. per queue, allow in-flight jobs up to ShutdownTimeout to finish
//  4. cancel what's left and return it to waiting
//  5. stop plugins in reverse load order, each bounded by CleanupTimeout
//  6. close channels, flush the audit log, emit system-stopped
func (c *Controller) Stop(ctx context.Context) error {
	log := logger.Lifecycle()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OverallShutdownTimeout)
	defer cancel()

	// 1. Stop the Stream Consumer.
	if c.consumerCancel != nil {
		c.consumerCancel()
	}
	if c.sweepCancel != nil {
		c.sweepCancel()
	}

	// 2. Stop accepting new addJob calls.
	c.mu.Lock()
	c.accepting = false
	loadOrder := append([]string(nil), c.loadOrder...)
	c.mu.Unlock()

	// 3. Allow in-flight jobs up to ShutdownTimeout to drain.
	c.drain(ctx)

	// 4. Cancel remaining jobs; return them to waiting.
	for _, q := range c.cfg.Queues {
		if _, err := c.queues.RequeueActive(ctx, q); err != nil {
			log.Warn().Err(err).Str("queue", q).Msg("failed to requeue active jobs on shutdown")
		}
	}
	c.scheduler.Stop()

	// 5. Stop plugins in reverse load order.
	for i := len(loadOrder) - 1; i >= 0; i-- {
		c.stopPluginBounded(loadOrder[i])
	}

	// 6. Close channels, flush the audit log, emit system-stopped.
	for _, pluginID := range loadOrder {
		for _, entry := range c.boundary.AuditLog(pluginID, 0) {
			log.Info().
				Str("plugin_id", pluginID).
				Str("direction", string(entry.Direction)).
				Str("msg_type", entry.Type).
				Msg("audit entry flushed")
		}
	}
	c.bus.Publish(eventbus.SystemStopped, map[string]interface{}{})

	c.wg.Wait()
	log.Info().Msg("graceful shutdown complete")
	return nil
}

// drain polls each queue's active count until it reaches zero or
// ShutdownTimeout elapses, giving in-flight jobs a chance to finish
// through the Worker Pool's normal lease-extension path.
func (c *Controller) drain(ctx context.Context) {
	deadline := time.Now().Add(c.cfg.ShutdownTimeout)
	for {
		busy := int64(0)
		for _, q := range c.cfg.Queues {
			depth, err := c.queues.Depth(ctx, q)
			if err != nil {
				continue
			}
			busy += depth.Active
		}
		if busy == 0 || time.Now().After(deadline) {
			return
		}
		sleepOrDone(ctx, 200*time.Millisecond)
	}
}

func (c *Controller) stopPluginBounded(pluginID string) {
	log := logger.Lifecycle()
	done := make(chan error, 1)
	go func() { done <- c.host.StopPlugin(pluginID, "shutdown") }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Str("plugin_id", pluginID).Msg("stopPlugin returned error")
		}
	case <-time.After(c.cfg.CleanupTimeout):
		log.Warn().Str("plugin_id", pluginID).Msg("stopPlugin exceeded cleanup timeout, abandoning")
	}
}

func isAlreadyLoaded(err error) bool {
	ae, ok := err.(*apperrors.Error)
	return ok && ae.Code == "already-loaded"
}

func isAlreadyRunning(err error) bool {
	ae, ok := err.(*apperrors.Error)
	return ok && ae.Code == "already-running"
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
