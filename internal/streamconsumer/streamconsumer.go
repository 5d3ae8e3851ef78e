// Package streamconsumer reliably consumes a Redis stream of hotplug
// events through a consumer group, deduplicating and translating entries
// into Queue Manager jobs before acknowledging them.
package streamconsumer

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoweaved/autoweaved/internal/apperrors"
	"github.com/autoweaved/autoweaved/internal/logger"
	"github.com/autoweaved/autoweaved/internal/queue"
)

const (
	// TargetQueue is where translated hotplug jobs land, per the data
	// flow: the Lifecycle Controller routes stream entries here.
	TargetQueue = "usb-events"
	jobPriority = 10
)

// streamClient is the subset of *redis.Client the Consumer depends on.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
}

// jobEnqueuer is the narrow surface of the Queue Manager the consumer
// needs; satisfied by *queue.Manager.
type jobEnqueuer interface {
	AddJob(ctx context.Context, queueName, jobType string, payload interface{}, opts queue.AddOptions) (string, error)
	Depth(ctx context.Context, queueName string) (queue.Depth, error)
}

// Config configures a Consumer.
type Config struct {
	Stream            string
	ConsumerGroup     string
	ConsumerName      string
	BatchSize         int64
	BlockTimeout      time.Duration
	ProcessingTimeout time.Duration
	DedupWindow       time.Duration
	DedupCapacity     int
	MaxBacklog        int64
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 30 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 10000
	}
}

// Consumer runs the Stream Consumer loop described in the component
// design: block-read, dedup, translate-to-job, ack.
type Consumer struct {
	client streamClient
	jobs   jobEnqueuer
	cfg    Config
	dedup  *dedupSet
}

// HotplugEvent is the payload shape read off the stream.
type HotplugEvent struct {
	DeviceSignature string `json:"deviceSignature"`
	Action          string `json:"action"` // "attached" | "detached"
	Timestamp       int64  `json:"timestamp"`
	VendorID        string `json:"vendorId"`
	ProductID       string `json:"productId"`
}

// New builds a Consumer. client is typically the *redis.Client returned by
// cache.NewClient; jobs is typically a *queue.Manager.
func New(client streamClient, jobs jobEnqueuer, cfg Config) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		client: client,
		jobs:   jobs,
		cfg:    cfg,
		dedup:  newDedupSet(cfg.DedupCapacity, cfg.DedupWindow),
	}
}

// EnsureGroup creates the consumer group if it does not already exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return apperrors.TransientIO("failed to create consumer group", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && containsString(err.Error(), "BUSYGROUP")
}

func containsString(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Run processes one batch: block-read, dedup, translate, enqueue, ack. It
// returns the number of entries successfully processed.
func (c *Consumer) Run(ctx context.Context) (int, error) {
	log := logger.Stream()

	if c.cfg.MaxBacklog > 0 {
		depth, err := c.jobs.Depth(ctx, TargetQueue)
		if err != nil {
			return 0, err
		}
		if depth.Waiting >= c.cfg.MaxBacklog {
			log.Warn().Int64("waiting", depth.Waiting).Int64("maxBacklog", c.cfg.MaxBacklog).Msg("target queue at capacity, not pulling from stream")
			// Run returns no error on backpressure, so its own caller's retry
			// loop won't back off on its own; wait out the same block window
			// XReadGroup would have used, so we don't spin tightly here.
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.cfg.BlockTimeout):
			}
			return 0, nil
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.TransientIO("failed to read from stream", err)
	}

	processed := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			ok, err := c.processEntry(ctx, msg)
			if err != nil {
				log.Warn().Err(err).Str("entryId", msg.ID).Msg("failed to process stream entry, leaving unacked for redelivery")
				continue
			}
			if ok {
				processed++
			}
		}
	}
	return processed, nil
}

func (c *Consumer) processEntry(ctx context.Context, msg redis.XMessage) (bool, error) {
	event, err := parseEvent(msg.Values)
	if err != nil {
		// Malformed entries can never be translated; ack and drop rather
		// than poison-loop on redelivery.
		c.client.XAck(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID)
		return false, nil
	}

	key := idempotencyKey(event)
	if c.dedup.SeenRecently(key) {
		c.client.XAck(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID)
		return false, nil
	}

	jobType := fmt.Sprintf("usb.device.%s", event.Action)
	if _, err := c.jobs.AddJob(ctx, TargetQueue, jobType, event, queue.AddOptions{
		Priority: jobPriority,
		Metadata: queue.Metadata{
			Source:        "stream-consumer",
			CorrelationID: msg.ID,
			Timestamp:     time.UnixMilli(event.Timestamp),
			Version:       1,
		},
	}); err != nil {
		return false, err
	}

	// Ack strictly after enqueue succeeds. The key is recorded before the
	// ack, so if the ack fails and the entry is read again while the key
	// is inside the window, it is acked and dropped instead of enqueued
	// twice. The set lives in memory and starts empty after a restart.
	c.dedup.Record(key)
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
		return false, apperrors.TransientIO("failed to ack stream entry", err)
	}
	return true, nil
}

func parseEvent(values map[string]interface{}) (HotplugEvent, error) {
	raw, ok := values["payload"]
	if !ok {
		return HotplugEvent{}, apperrors.New(apperrors.KindConfig, "entry-missing-payload", "stream entry has no payload field")
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	default:
		return HotplugEvent{}, apperrors.New(apperrors.KindConfig, "entry-bad-payload", "stream entry payload is not a string")
	}
	var event HotplugEvent
	if err := json.Unmarshal([]byte(s), &event); err != nil {
		return HotplugEvent{}, apperrors.Internal("failed to unmarshal hotplug event", err)
	}
	if event.DeviceSignature == "" || (event.Action != "attached" && event.Action != "detached") {
		return HotplugEvent{}, apperrors.New(apperrors.KindConfig, "entry-invalid", "hotplug event missing signature or invalid action")
	}
	return event, nil
}

// idempotencyKey buckets the timestamp to the minute so near-duplicate
// redeliveries of the same physical event collapse onto the same key even
// if the timestamp jitters by a few hundred milliseconds.
func idempotencyKey(e HotplugEvent) string {
	bucket := e.Timestamp / 60000
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", e.DeviceSignature, e.Action, bucket)))
	return hex.EncodeToString(h[:])
}

// ClaimStalled transfers entries pending longer than ProcessingTimeout
// from any consumer in the group to this consumer, so a crashed consumer's
// in-flight entries are eventually retried by a live one.
func (c *Consumer) ClaimStalled(ctx context.Context) (int, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, apperrors.TransientIO("failed to list pending entries", err)
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= c.cfg.ProcessingTimeout {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	claimed, err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		MinIdle:  c.cfg.ProcessingTimeout,
		Messages: stale,
	}).Result()
	if err != nil {
		return 0, apperrors.TransientIO("failed to claim stalled entries", err)
	}
	return len(claimed), nil
}

// dedupSet is a bounded, time-windowed set of recently seen idempotency
// keys, evicting the oldest entry once Capacity is exceeded (a simple LRU,
// not a precise sliding window — acceptable since the dedup window only
// needs to suppress redelivery storms, not provide exact-once semantics).
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	order    *list.List
	index    map[string]*list.Element
}

type dedupEntry struct {
	key  string
	seen time.Time
}

func newDedupSet(capacity int, window time.Duration) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		window:   window,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (d *dedupSet) SeenRecently(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.index[key]
	if !ok {
		return false
	}
	entry := el.Value.(dedupEntry)
	return time.Since(entry.seen) < d.window
}

func (d *dedupSet) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.index[key]; ok {
		d.order.MoveToFront(el)
		el.Value = dedupEntry{key: key, seen: time.Now()}
		return
	}
	el := d.order.PushFront(dedupEntry{key: key, seen: time.Now()})
	d.index[key] = el
	for d.order.Len() > d.capacity {
		back := d.order.Back()
		if back == nil {
			break
		}
		d.order.Remove(back)
		delete(d.index, back.Value.(dedupEntry).key)
	}
}
