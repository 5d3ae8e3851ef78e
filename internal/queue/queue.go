// Package queue is the Queue Manager: per-queue durable job storage with
// priority ordering, delayed jobs, retry backoff, stalled-job recovery,
// and a dead-letter queue. State is persisted in Redis so a crash between
// operations leaves the queue consistent — active jobs simply become
// stalled and are recovered by StalledSweep on the next sweep tick.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/autoweaved/autoweaved/internal/apperrors"
	"github.com/autoweaved/autoweaved/internal/eventbus"
)

// redisClient is the subset of *redis.Client the Manager depends on.
// *redis.Client satisfies this interface structurally; tests substitute a
// small in-memory fake instead of requiring a live Redis instance.
type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Config sets queue-wide defaults and retention policy.
type Config struct {
	StallTimeout       time.Duration
	MaxHistoryCount    int64
	MaxHistoryAge      time.Duration
	DefaultAttemptsMax int
	DefaultBackoff     Backoff
	// MaxBacklog caps the waiting-set size; AddJob refuses new jobs with a
	// backpressure error once a queue's waiting set is at capacity. <= 0
	// means unlimited.
	MaxBacklog int64
}

// Manager is the Queue Manager. A single Manager serves every queue name;
// keys are namespaced per queue.
type Manager struct {
	client redisClient
	bus    *eventbus.Bus
	cfg    Config
	rng    *rand.Rand
	rngMu  sync.Mutex
	now    func() time.Time
}

// New builds a Manager over client, publishing lifecycle events to bus.
func New(client redisClient, bus *eventbus.Bus, cfg Config) *Manager {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	if cfg.MaxHistoryCount <= 0 {
		cfg.MaxHistoryCount = 1000
	}
	if cfg.MaxHistoryAge <= 0 {
		cfg.MaxHistoryAge = 24 * time.Hour
	}
	if cfg.DefaultAttemptsMax <= 0 {
		cfg.DefaultAttemptsMax = 3
	}
	return &Manager{
		client: client,
		bus:    bus,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(1)),
		now:    time.Now,
	}
}

func waitingKey(q string) string   { return fmt.Sprintf("queue:%s:waiting", q) }
func delayedKey(q string) string   { return fmt.Sprintf("queue:%s:delayed", q) }
func activeKey(q string) string    { return fmt.Sprintf("queue:%s:active", q) }
func jobsKey(q string) string      { return fmt.Sprintf("queue:%s:jobs", q) }
func completedKey(q string) string { return fmt.Sprintf("queue:%s:completed", q) }
func failedKey(q string) string    { return fmt.Sprintf("queue:%s:failed", q) }
func deadKey(q string) string      { return fmt.Sprintf("queue:%s:dead", q) }
func seqKey(q string) string       { return fmt.Sprintf("queue:%s:seq", q) }

// waitingScore encodes (priority desc, enqueueSeq asc) into a single float
// score suitable for ZPopMin (ascending): higher priority -> more negative
// score -> popped first; equal priority preserves FIFO by seq.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// AddJob assigns a monotonically increasing enqueueSeq and places the job
// in delayed (if opts.Delay > 0) or waiting. The returned jobId is stable
// across retries.
func (m *Manager) AddJob(ctx context.Context, queueName string, jobType string, payload interface{}, opts AddOptions) (string, error) {
	if m.cfg.MaxBacklog > 0 {
		waitingCount, err := m.zsetSize(ctx, waitingKey(queueName))
		if err != nil {
			return "", err
		}
		if waitingCount >= m.cfg.MaxBacklog {
			return "", apperrors.Backpressure(queueName)
		}
	}

	seq, err := m.client.Incr(ctx, seqKey(queueName)).Result()
	if err != nil {
		return "", apperrors.TransientIO("failed to assign enqueue sequence", err)
	}

	attemptsMax := opts.AttemptsMax
	if attemptsMax <= 0 {
		attemptsMax = m.cfg.DefaultAttemptsMax
	}
	backoff := opts.Backoff
	if backoff.Kind == "" {
		backoff = m.cfg.DefaultBackoff
	}
	if opts.Metadata.Timestamp.IsZero() {
		opts.Metadata.Timestamp = m.now()
	}

	job := Job{
		ID:           uuid.NewString(),
		QueueName:    queueName,
		Type:         jobType,
		Payload:      payload,
		Metadata:     opts.Metadata,
		Priority:     opts.Priority,
		AttemptsMax:  attemptsMax,
		Backoff:      backoff,
		EnqueueSeq:   seq,
		Timeout:      opts.Timeout,
	}

	if opts.Delay > 0 {
		job.State = StateDelayed
		job.DelayUntil = m.now().Add(opts.Delay)
	} else {
		job.State = StateWaiting
	}

	if err := m.persist(ctx, &job); err != nil {
		return "", err
	}

	if job.State == StateDelayed {
		if err := m.client.ZAdd(ctx, delayedKey(queueName), redis.Z{Score: float64(job.DelayUntil.UnixMilli()), Member: job.ID}).Err(); err != nil {
			return "", apperrors.TransientIO("failed to schedule delayed job", err)
		}
	} else {
		if err := m.client.ZAdd(ctx, waitingKey(queueName), redis.Z{Score: waitingScore(job.Priority, job.EnqueueSeq), Member: job.ID}).Err(); err != nil {
			return "", apperrors.TransientIO("failed to enqueue job", err)
		}
	}

	m.bus.Publish(eventbus.JobAdded, map[string]interface{}{"jobId": job.ID, "queue": queueName})
	return job.ID, nil
}

// AddBulkJobs adds the jobs in order through AddJob and stops at the first
// failure. Insertion is not atomic: jobs added before the failing one stay
// queued, and their ids are returned together with the error.
func (m *Manager) AddBulkJobs(ctx context.Context, queueName string, items []BulkJob) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := m.AddJob(ctx, queueName, item.Type, item.Payload, item.Options)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BulkJob is one entry in an AddBulkJobs call.
type BulkJob struct {
	Type    string
	Payload interface{}
	Options AddOptions
}

func (m *Manager) persist(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return apperrors.Internal("failed to marshal job", err)
	}
	if err := m.client.HSet(ctx, jobsKey(job.QueueName), job.ID, raw).Err(); err != nil {
		return apperrors.TransientIO("failed to persist job", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, queueName, jobID string) (*Job, error) {
	raw, err := m.client.HGet(ctx, jobsKey(queueName), jobID).Result()
	if err == redis.Nil {
		return nil, apperrors.New(apperrors.KindConfig, "job-not-found", "no such job").WithJob(jobID)
	}
	if err != nil {
		return nil, apperrors.TransientIO("failed to load job", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, apperrors.Internal("failed to unmarshal job", err)
	}
	return &job, nil
}

// NextJob pops the highest-priority waiting job, moves it to active with a
// lease of now+stallTimeout, and returns it. Returns (nil, nil) if waiting
// is empty.
func (m *Manager) NextJob(ctx context.Context, queueName, workerID string) (*Job, error) {
	results, err := m.client.ZPopMin(ctx, waitingKey(queueName), 1).Result()
	if err != nil {
		return nil, apperrors.TransientIO("failed to pop waiting job", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	jobID := results[0].Member.(string)

	job, err := m.load(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}

	job.State = StateActive
	if err := m.persist(ctx, job); err != nil {
		return nil, err
	}

	lease := Lease{WorkerID: workerID, LeaseExpiry: m.now().Add(m.cfg.StallTimeout)}
	leaseRaw, _ := json.Marshal(lease)
	if err := m.client.HSet(ctx, activeKey(queueName), jobID, leaseRaw).Err(); err != nil {
		return nil, apperrors.TransientIO("failed to record active lease", err)
	}

	m.bus.Publish(eventbus.JobActive, map[string]interface{}{"jobId": jobID, "queue": queueName, "workerId": workerID})
	return job, nil
}

// CompleteJob transitions an active job to completed and removes its
// lease.
func (m *Manager) CompleteJob(ctx context.Context, queueName, jobID string, result interface{}) error {
	job, err := m.load(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	if err := m.persist(ctx, job); err != nil {
		return err
	}
	if err := m.client.HDel(ctx, activeKey(queueName), jobID).Err(); err != nil {
		return apperrors.TransientIO("failed to clear lease", err)
	}
	if err := m.pushHistory(ctx, completedKey(queueName), job); err != nil {
		return err
	}
	m.bus.Publish(eventbus.JobCompleted, map[string]interface{}{"jobId": jobID, "queue": queueName})
	return nil
}

// FailJob increments attemptsMade. If attemptsMade < attemptsMax, the job
// is rescheduled into delayed using its backoff policy; otherwise it moves
// to the dead-letter history.
func (m *Manager) FailJob(ctx context.Context, queueName, jobID string, cause error) error {
	job, err := m.load(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	job.AttemptsMade++
	if cause != nil {
		job.Error = cause.Error()
	}

	if err := m.client.HDel(ctx, activeKey(queueName), jobID).Err(); err != nil {
		return apperrors.TransientIO("failed to clear lease", err)
	}

	if job.AttemptsMade < job.AttemptsMax {
		m.rngMu.Lock()
		delay := job.Backoff.Delay(job.AttemptsMade, m.rng)
		m.rngMu.Unlock()
		job.State = StateDelayed
		job.DelayUntil = m.now().Add(delay)
		if err := m.persist(ctx, job); err != nil {
			return err
		}
		if err := m.client.ZAdd(ctx, delayedKey(queueName), redis.Z{Score: float64(job.DelayUntil.UnixMilli()), Member: jobID}).Err(); err != nil {
			return apperrors.TransientIO("failed to reschedule job", err)
		}
		m.bus.Publish(eventbus.JobFailed, map[string]interface{}{"jobId": jobID, "queue": queueName, "retry": true})
		return nil
	}

	job.State = StateDead
	if err := m.persist(ctx, job); err != nil {
		return err
	}
	if err := m.pushHistory(ctx, deadKey(queueName), job); err != nil {
		return err
	}
	if err := m.pushHistory(ctx, failedKey(queueName), job); err != nil {
		return err
	}
	m.bus.Publish(eventbus.JobFailed, map[string]interface{}{"jobId": jobID, "queue": queueName, "retry": false})
	return nil
}

// ExtendLease is called by a worker making progress on an active job. It
// fails if the job is not active.
func (m *Manager) ExtendLease(ctx context.Context, queueName, jobID string, extra time.Duration) error {
	raw, err := m.client.HGet(ctx, activeKey(queueName), jobID).Result()
	if err == redis.Nil {
		return apperrors.New(apperrors.KindConfig, "not-active", "job is not active").WithJob(jobID)
	}
	if err != nil {
		return apperrors.TransientIO("failed to read lease", err)
	}
	var lease Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return apperrors.Internal("failed to unmarshal lease", err)
	}
	lease.LeaseExpiry = lease.LeaseExpiry.Add(extra)
	updated, _ := json.Marshal(lease)
	if err := m.client.HSet(ctx, activeKey(queueName), jobID, updated).Err(); err != nil {
		return apperrors.TransientIO("failed to extend lease", err)
	}
	return nil
}

// StalledSweep forcibly moves any active job whose lease has expired back
// to waiting, incrementing attemptsMade and emitting job:stalled.
func (m *Manager) StalledSweep(ctx context.Context, queueName string) (int, error) {
	leases, err := m.client.HGetAll(ctx, activeKey(queueName)).Result()
	if err != nil {
		return 0, apperrors.TransientIO("failed to list active leases", err)
	}

	now := m.now()
	recovered := 0
	for jobID, raw := range leases {
		var lease Lease
		if err := json.Unmarshal([]byte(raw), &lease); err != nil {
			continue
		}
		if now.Before(lease.LeaseExpiry) {
			continue
		}

		job, err := m.load(ctx, queueName, jobID)
		if err != nil {
			continue
		}
		job.AttemptsMade++
		job.State = StateWaiting
		if err := m.persist(ctx, job); err != nil {
			continue
		}
		if err := m.client.HDel(ctx, activeKey(queueName), jobID).Err(); err != nil {
			continue
		}
		if err := m.client.ZAdd(ctx, waitingKey(queueName), redis.Z{Score: waitingScore(job.Priority, job.EnqueueSeq), Member: jobID}).Err(); err != nil {
			continue
		}
		recovered++
		m.bus.Publish(eventbus.JobStalled, map[string]interface{}{"jobId": jobID, "queue": queueName})
	}
	return recovered, nil
}

// RequeueActive unconditionally moves every active job on queueName back to
// waiting, regardless of lease expiry, incrementing attemptsMade as
// StalledSweep does. Used by graceful shutdown once the drain window has
// elapsed: jobs in flight are abandoned mid-execution so a later process
// can resume them, rather than waiting out their full lease.
func (m *Manager) RequeueActive(ctx context.Context, queueName string) (int, error) {
	leases, err := m.client.HGetAll(ctx, activeKey(queueName)).Result()
	if err != nil {
		return 0, apperrors.TransientIO("failed to list active leases", err)
	}

	requeued := 0
	for jobID := range leases {
		job, err := m.load(ctx, queueName, jobID)
		if err != nil {
			continue
		}
		job.AttemptsMade++
		job.State = StateWaiting
		if err := m.persist(ctx, job); err != nil {
			continue
		}
		if err := m.client.HDel(ctx, activeKey(queueName), jobID).Err(); err != nil {
			continue
		}
		if err := m.client.ZAdd(ctx, waitingKey(queueName), redis.Z{Score: waitingScore(job.Priority, job.EnqueueSeq), Member: jobID}).Err(); err != nil {
			continue
		}
		requeued++
		m.bus.Publish(eventbus.JobStalled, map[string]interface{}{"jobId": jobID, "queue": queueName})
	}
	return requeued, nil
}

// PromoteDelayed moves any delayed job whose delayUntil has passed into
// waiting.
func (m *Manager) PromoteDelayed(ctx context.Context, queueName string) (int, error) {
	now := m.now()
	results, err := m.client.ZRangeByScoreWithScores(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, apperrors.TransientIO("failed to scan delayed jobs", err)
	}

	promoted := 0
	for _, z := range results {
		jobID := z.Member.(string)
		job, err := m.load(ctx, queueName, jobID)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := m.persist(ctx, job); err != nil {
			continue
		}
		if err := m.client.ZRem(ctx, delayedKey(queueName), jobID).Err(); err != nil {
			continue
		}
		if err := m.client.ZAdd(ctx, waitingKey(queueName), redis.Z{Score: waitingScore(job.Priority, job.EnqueueSeq), Member: jobID}).Err(); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

// pushHistory appends job to the given capped history list, trimming by
// count immediately; the age bound is enforced lazily by History's read
// path filtering out entries older than MaxHistoryAge, since Redis lists
// have no native per-element TTL.
func (m *Manager) pushHistory(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return apperrors.Internal("failed to marshal job history entry", err)
	}
	if err := m.client.LPush(ctx, key, raw).Err(); err != nil {
		return apperrors.TransientIO("failed to append history", err)
	}
	if err := m.client.LTrim(ctx, key, 0, m.cfg.MaxHistoryCount-1).Err(); err != nil {
		return apperrors.TransientIO("failed to trim history", err)
	}
	return nil
}

// History returns up to limit most-recent entries from the named history
// list (completed/failed/dead), filtering out anything older than
// MaxHistoryAge.
func (m *Manager) History(ctx context.Context, queueName string, which HistoryKind, limit int64) ([]Job, error) {
	var key string
	switch which {
	case HistoryCompleted:
		key = completedKey(queueName)
	case HistoryFailed:
		key = failedKey(queueName)
	case HistoryDead:
		key = deadKey(queueName)
	default:
		return nil, apperrors.New(apperrors.KindConfig, "bad-history-kind", "unknown history kind")
	}

	if limit <= 0 {
		limit = m.cfg.MaxHistoryCount
	}
	raws, err := m.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, apperrors.TransientIO("failed to read history", err)
	}

	cutoff := m.now().Add(-m.cfg.MaxHistoryAge)
	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.Metadata.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// HistoryKind selects which bounded history list to read.
type HistoryKind string

const (
	HistoryCompleted HistoryKind = "completed"
	HistoryFailed    HistoryKind = "failed"
	HistoryDead      HistoryKind = "dead"
)

// Depth reports the waiting/delayed/active job counts for a queue.
type Depth struct {
	Waiting int64
	Delayed int64
	Active  int64
}

func (m *Manager) Depth(ctx context.Context, queueName string) (Depth, error) {
	leases, err := m.client.HGetAll(ctx, activeKey(queueName)).Result()
	if err != nil {
		return Depth{}, apperrors.TransientIO("failed to read active count", err)
	}
	waitingCount, err := m.zsetSize(ctx, waitingKey(queueName))
	if err != nil {
		return Depth{}, err
	}
	delayedCount, err := m.zsetSize(ctx, delayedKey(queueName))
	if err != nil {
		return Depth{}, err
	}
	return Depth{Waiting: waitingCount, Delayed: delayedCount, Active: int64(len(leases))}, nil
}

func (m *Manager) zsetSize(ctx context.Context, key string) (int64, error) {
	results, err := m.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return 0, apperrors.TransientIO("failed to size zset", err)
	}
	return int64(len(results)), nil
}
