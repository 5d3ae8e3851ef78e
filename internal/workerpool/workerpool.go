// Package workerpool is the Worker Pool / Scheduler: per-queue elastic
// pools of workers that pull jobs from the Queue Manager, dispatch them to
// the Plugin Host, and scale worker count to backlog.
package workerpool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autoweaved/autoweaved/internal/apperrors"
	"github.com/autoweaved/autoweaved/internal/eventbus"
	"github.com/autoweaved/autoweaved/internal/logger"
	"github.com/autoweaved/autoweaved/internal/queue"
)

// Dispatcher is the narrow surface of the Queue Manager a worker pool
// drives jobs through.
type Dispatcher interface {
	NextJob(ctx context.Context, queueName, workerID string) (*queue.Job, error)
	CompleteJob(ctx context.Context, queueName, jobID string, result interface{}) error
	FailJob(ctx context.Context, queueName, jobID string, cause error) error
	ExtendLease(ctx context.Context, queueName, jobID string, extra time.Duration) error
	Depth(ctx context.Context, queueName string) (queue.Depth, error)
}

// Executor invokes the Plugin Host (or whatever downstream handler is
// wired in) for a single job, returning its result or an error. Executors
// must respect ctx cancellation.
type Executor func(ctx context.Context, job *queue.Job) (interface{}, error)

// QueueConfig configures one queue's pool.
type QueueConfig struct {
	Name              string
	WorkerMin         int
	WorkerMax         int
	DefaultTimeout    time.Duration
	LeaseExtend       time.Duration
	Priority          int // orders queues in the scheduler's scaling pass
	MaxWaitFairness   time.Duration
	HardKillTimeout   time.Duration
	ScaleUpThreshold  float64 // backlog/workers ratio that triggers scale-up
	ScaleDownThresh   float64 // utilisation below this triggers scale-down
	ScalingInterval   time.Duration
}

func (c *QueueConfig) setDefaults() {
	if c.WorkerMin <= 0 {
		c.WorkerMin = 1
	}
	if c.WorkerMax < c.WorkerMin {
		c.WorkerMax = c.WorkerMin
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.LeaseExtend <= 0 {
		c.LeaseExtend = 10 * time.Second
	}
	if c.MaxWaitFairness <= 0 {
		c.MaxWaitFairness = 5 * time.Second
	}
	if c.HardKillTimeout <= 0 {
		c.HardKillTimeout = 5 * time.Second
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 2.0
	}
	if c.ScaleDownThresh <= 0 {
		c.ScaleDownThresh = 0.2
	}
	if c.ScalingInterval <= 0 {
		c.ScalingInterval = 10 * time.Second
	}
}

// Pool runs one elastic worker pool for one queue.
type Pool struct {
	cfg        QueueConfig
	dispatcher Dispatcher
	executor   Executor
	bus        *eventbus.Bus

	mu           sync.Mutex
	workerCancel map[int]context.CancelFunc
	nextWorkerID int
	lastTouched  time.Time // last time this queue's fairness turn ran
	busyTicks    int
	totalTicks   int

	wg sync.WaitGroup
}

func newPool(cfg QueueConfig, dispatcher Dispatcher, executor Executor, bus *eventbus.Bus) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:          cfg,
		dispatcher:   dispatcher,
		executor:     executor,
		bus:          bus,
		workerCancel: make(map[int]context.CancelFunc),
		lastTouched:  time.Now(),
	}
}

func (p *Pool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workerCancel)
}

// setWorkerCount adjusts the live worker count to target, spawning or
// cancelling workers as needed. Called holding no lock.
func (p *Pool) setWorkerCount(ctx context.Context, target int) {
	p.mu.Lock()
	current := len(p.workerCancel)
	if target == current {
		p.mu.Unlock()
		return
	}
	if target > current {
		for i := current; i < target; i++ {
			id := p.nextWorkerID
			p.nextWorkerID++
			workerCtx, cancel := context.WithCancel(ctx)
			p.workerCancel[id] = cancel
			p.wg.Add(1)
			go p.runWorker(workerCtx, id)
		}
		p.mu.Unlock()
		return
	}
	// Shrink: cancel current-target workers, in map iteration order, so
	// which workers stop is not defined.
	toCancel := make([]int, 0, current-target)
	for id := range p.workerCancel {
		toCancel = append(toCancel, id)
		if len(toCancel) == current-target {
			break
		}
	}
	for _, id := range toCancel {
		p.workerCancel[id]()
		delete(p.workerCancel, id)
	}
	p.mu.Unlock()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("%s-w%d", p.cfg.Name, id)
	log := logger.Dispatcher()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.dispatcher.NextJob(ctx, p.cfg.Name, workerID)
		if err != nil {
			log.Warn().Err(err).Str("queue", p.cfg.Name).Msg("failed to pull next job")
			p.recordTick(false)
			sleepOrDone(ctx, 500*time.Millisecond)
			continue
		}
		if job == nil {
			p.recordTick(false)
			sleepOrDone(ctx, 250*time.Millisecond)
			continue
		}

		p.recordTick(true)
		p.execute(ctx, workerID, job)
	}
}

func (p *Pool) recordTick(busy bool) {
	p.mu.Lock()
	p.totalTicks++
	if busy {
		p.busyTicks++
	}
	p.lastTouched = time.Now()
	p.mu.Unlock()
}

func (p *Pool) utilisation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.totalTicks == 0 {
		return 0
	}
	u := float64(p.busyTicks) / float64(p.totalTicks)
	p.busyTicks, p.totalTicks = 0, 0
	return u
}

func (p *Pool) execute(parent context.Context, workerID string, job *queue.Job) {
	timeout := p.cfg.DefaultTimeout
	if job.Timeout > 0 {
		timeout = min(job.Timeout, p.cfg.DefaultTimeout)
	}
	jobCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan struct{})
	var result interface{}
	var execErr error
	go func() {
		defer close(done)
		result, execErr = p.executor(jobCtx, job)
	}()

	ticker := time.NewTicker(p.cfg.LeaseExtend / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			p.reportOutcome(parent, job, result, execErr)
			return
		case <-jobCtx.Done():
			select {
			case <-done:
				p.reportOutcome(parent, job, result, execErr)
			case <-time.After(p.cfg.HardKillTimeout):
				p.reportOutcome(parent, job, nil, apperrors.New(apperrors.KindJobFailure, "deadline-exceeded", "job exceeded deadline and did not stop cooperatively"))
			}
			return
		case <-ticker.C:
			_ = p.dispatcher.ExtendLease(parent, p.cfg.Name, job.ID, p.cfg.LeaseExtend)
		}
	}
}

func (p *Pool) reportOutcome(ctx context.Context, job *queue.Job, result interface{}, err error) {
	if err != nil {
		_ = p.dispatcher.FailJob(ctx, p.cfg.Name, job.ID, err)
		return
	}
	_ = p.dispatcher.CompleteJob(ctx, p.cfg.Name, job.ID, result)
}

func (p *Pool) stop() {
	p.mu.Lock()
	for _, cancel := range p.workerCancel {
		cancel()
	}
	p.workerCancel = make(map[int]context.CancelFunc)
	p.mu.Unlock()
	p.wg.Wait()
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(jitter(d)):
	}
}

// jitter spreads worker polling so many idle workers across many queues
// don't all wake on the same tick.
func jitter(d time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(d) / 4))
	return d + delta
}

// Scheduler owns one Pool per queue and a cron-driven scaling loop. It is
// the cross-queue fairness authority: queues are not actually co-scheduled
// onto a single worker slot (each queue's pool runs its own goroutines),
// but the scaling pass visits queues in priority order with a starvation
// guard so a low-priority queue is never skipped indefinitely.
type Scheduler struct {
	dispatcher Dispatcher
	bus        *eventbus.Bus
	cron       *cron.Cron

	mu     sync.Mutex
	pools  map[string]*Pool
	order  []string // queue names, priority desc
	cancel context.CancelFunc
}

// New builds a Scheduler. Executor is shared across all queues; a real
// deployment closes over the Plugin Host's SendPluginMessage.
func New(dispatcher Dispatcher, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		bus:        bus,
		cron:       cron.New(),
		pools:      make(map[string]*Pool),
	}
}

// AddQueue registers a pool for queueName and starts it at WorkerMin.
func (s *Scheduler) AddQueue(ctx context.Context, cfg QueueConfig, executor Executor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[cfg.Name]; exists {
		return apperrors.New(apperrors.KindConfig, "queue-already-registered", "queue is already registered with the scheduler")
	}
	pool := newPool(cfg, s.dispatcher, executor, s.bus)
	s.pools[cfg.Name] = pool
	s.insertOrdered(cfg.Name, cfg.Priority)
	pool.setWorkerCount(ctx, pool.cfg.WorkerMin)
	return nil
}

func (s *Scheduler) insertOrdered(name string, priority int) {
	idx := len(s.order)
	for i, existing := range s.order {
		if s.pools[existing].cfg.Priority < priority {
			idx = i
			break
		}
	}
	s.order = append(s.order, "")
	copy(s.order[idx+1:], s.order[idx:])
	s.order[idx] = name
}

// Start begins the scaling loop: every ScalingInterval-ish tick (governed
// by the fastest-configured queue), evaluate backlog and utilisation for
// every queue in priority order, promoting any queue that has waited
// longer than its MaxWaitFairness ahead of its priority-ordered turn.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	interval := s.fastestScalingInterval()
	_, _ = s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.scaleTick(runCtx)
	})
	s.cron.Start()
}

func (s *Scheduler) fastestScalingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	fastest := 10 * time.Second
	for _, p := range s.pools {
		if p.cfg.ScalingInterval < fastest {
			fastest = p.cfg.ScalingInterval
		}
	}
	if fastest < time.Second {
		fastest = time.Second
	}
	return fastest
}

func (s *Scheduler) scaleTick(ctx context.Context) {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	now := time.Now()
	starved := make([]string, 0)
	for _, name := range names {
		pool := s.poolFor(name)
		if pool == nil {
			continue
		}
		pool.mu.Lock()
		waited := now.Sub(pool.lastTouched)
		pool.mu.Unlock()
		if waited > pool.cfg.MaxWaitFairness {
			starved = append(starved, name)
		}
	}

	// Starved queues are visited first this tick, ahead of priority order.
	visitOrder := append(append([]string(nil), starved...), names...)
	seen := make(map[string]bool)
	for _, name := range visitOrder {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.scaleQueue(ctx, name)
	}
}

func (s *Scheduler) poolFor(name string) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[name]
}

func (s *Scheduler) scaleQueue(ctx context.Context, name string) {
	pool := s.poolFor(name)
	if pool == nil {
		return
	}

	depth, err := s.dispatcher.Depth(ctx, name)
	if err != nil {
		return
	}

	workers := pool.workerCount()
	if workers == 0 {
		workers = 1
	}
	backlog := depth.Waiting + depth.Delayed
	ratio := float64(backlog) / float64(workers)

	target := workers
	switch {
	case ratio > pool.cfg.ScaleUpThreshold && workers < pool.cfg.WorkerMax:
		target = workers + 1
	case backlog == 0 && pool.utilisation() < pool.cfg.ScaleDownThresh && workers > pool.cfg.WorkerMin:
		target = workers - 1
	}

	if target != workers {
		pool.setWorkerCount(ctx, target)
		s.bus.Publish(eventbus.WorkersScaled, map[string]interface{}{
			"queue": name, "from": workers, "to": target, "backlog": backlog,
		})
	}
}

// Stop cancels the scaling loop and every queue's workers, waiting for
// in-flight job executions to observe cancellation.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cron.Stop()

	s.mu.Lock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, p := range pools {
		p.stop()
	}
}

// Depths returns the current Queue Manager depth for every registered
// queue, for health rollup.
func (s *Scheduler) Depths(ctx context.Context) map[string]queue.Depth {
	s.mu.Lock()
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	s.mu.Unlock()

	out := make(map[string]queue.Depth, len(names))
	for _, name := range names {
		if d, err := s.dispatcher.Depth(ctx, name); err == nil {
			out[name] = d
		}
	}
	return out
}
