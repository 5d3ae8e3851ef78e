package streamconsumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoweaved/autoweaved/internal/queue"
)

type fakeStreamClient struct {
	messages []redis.XMessage
	acked    []string
	pending  []redis.XPendingExt
	claimed  []string
}

func (f *fakeStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	if len(f.messages) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: a.Streams[0], Messages: f.messages}})
	f.messages = nil
	return cmd
}

func (f *fakeStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (f *fakeStreamClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(f.pending)
	return cmd
}

func (f *fakeStreamClient) XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	f.claimed = a.Messages
	cmd.SetVal(a.Messages)
	return cmd
}

type fakeEnqueuer struct {
	jobs    []queue.AddOptions
	fail    bool
	waiting int64
}

func (f *fakeEnqueuer) AddJob(ctx context.Context, queueName, jobType string, payload interface{}, opts queue.AddOptions) (string, error) {
	if f.fail {
		return "", context.DeadlineExceeded
	}
	f.jobs = append(f.jobs, opts)
	return "job-id", nil
}

func (f *fakeEnqueuer) Depth(ctx context.Context, queueName string) (queue.Depth, error) {
	return queue.Depth{Waiting: f.waiting}, nil
}

func makeEntry(t *testing.T, id string, e HotplugEvent) redis.XMessage {
	t.Helper()
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return redis.XMessage{ID: id, Values: map[string]interface{}{"payload": string(raw)}}
}

func TestRun_TranslatesAndAcksEntry(t *testing.T) {
	client := &fakeStreamClient{messages: []redis.XMessage{
		makeEntry(t, "1-1", HotplugEvent{DeviceSignature: "dev-1", Action: "attached", Timestamp: time.Now().UnixMilli()}),
	}}
	jobs := &fakeEnqueuer{}
	c := New(client, jobs, Config{Stream: "usb-hotplug", ConsumerGroup: "g", ConsumerName: "c1"})

	processed, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected 1 job enqueued, got %d", len(jobs.jobs))
	}
	if jobs.jobs[0].Priority != jobPriority {
		t.Errorf("expected priority %d, got %d", jobPriority, jobs.jobs[0].Priority)
	}
	if len(client.acked) != 1 || client.acked[0] != "1-1" {
		t.Errorf("expected entry 1-1 acked, got %+v", client.acked)
	}
}

func TestRun_DuplicateEntryWithinDedupWindowIsSkipped(t *testing.T) {
	event := HotplugEvent{DeviceSignature: "dev-1", Action: "attached", Timestamp: time.Now().UnixMilli()}
	jobs := &fakeEnqueuer{}
	c := New(&fakeStreamClient{}, jobs, Config{Stream: "usb-hotplug", ConsumerGroup: "g", ConsumerName: "c1"})

	c.dedup.Record(idempotencyKey(event))

	client := &fakeStreamClient{messages: []redis.XMessage{makeEntry(t, "2-1", event)}}
	c.client = client

	processed, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected duplicate to not count as processed, got %d", processed)
	}
	if len(jobs.jobs) != 0 {
		t.Fatalf("expected no job enqueued for duplicate, got %d", len(jobs.jobs))
	}
	if len(client.acked) != 1 {
		t.Fatalf("expected duplicate entry still acked to drop it, got %+v", client.acked)
	}
}

func TestRun_MalformedEntryIsAckedAndDropped(t *testing.T) {
	client := &fakeStreamClient{messages: []redis.XMessage{
		{ID: "3-1", Values: map[string]interface{}{"payload": "not-json"}},
	}}
	jobs := &fakeEnqueuer{}
	c := New(client, jobs, Config{Stream: "usb-hotplug", ConsumerGroup: "g", ConsumerName: "c1"})

	processed, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed for malformed entry, got %d", processed)
	}
	if len(client.acked) != 1 {
		t.Fatalf("expected malformed entry to still be acked, got %+v", client.acked)
	}
}

func TestRun_EnqueueFailureLeavesEntryUnacked(t *testing.T) {
	client := &fakeStreamClient{messages: []redis.XMessage{
		makeEntry(t, "4-1", HotplugEvent{DeviceSignature: "dev-2", Action: "detached", Timestamp: time.Now().UnixMilli()}),
	}}
	jobs := &fakeEnqueuer{fail: true}
	c := New(client, jobs, Config{Stream: "usb-hotplug", ConsumerGroup: "g", ConsumerName: "c1"})

	processed, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed on enqueue failure, got %d", processed)
	}
	if len(client.acked) != 0 {
		t.Fatalf("expected entry to remain unacked on enqueue failure, got %+v", client.acked)
	}
}

func TestClaimStalled_ClaimsEntriesPastProcessingTimeout(t *testing.T) {
	client := &fakeStreamClient{pending: []redis.XPendingExt{
		{ID: "5-1", Consumer: "other", Idle: time.Minute, RetryCount: 1},
		{ID: "5-2", Consumer: "other", Idle: time.Millisecond, RetryCount: 1},
	}}
	c := New(client, &fakeEnqueuer{}, Config{
		Stream: "usb-hotplug", ConsumerGroup: "g", ConsumerName: "c1",
		ProcessingTimeout: 5 * time.Second,
	})

	claimed, err := c.ClaimStalled(context.Background())
	if err != nil {
		t.Fatalf("ClaimStalled: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 claimed entry, got %d", claimed)
	}
	if len(client.claimed) != 1 || client.claimed[0] != "5-1" {
		t.Errorf("expected only 5-1 claimed, got %+v", client.claimed)
	}
}

func TestRun_StopsPullingWhenTargetQueueAtCapacity(t *testing.T) {
	client := &fakeStreamClient{messages: []redis.XMessage{
		makeEntry(t, "1-1", HotplugEvent{DeviceSignature: "dev-1", Action: "attached", Timestamp: time.Now().UnixMilli()}),
	}}
	jobs := &fakeEnqueuer{waiting: 10}
	c := New(client, jobs, Config{Stream: "usb-hotplug", ConsumerGroup: "g", ConsumerName: "c1", MaxBacklog: 10, BlockTimeout: 10 * time.Millisecond})

	processed, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected Run to skip pulling at capacity, got %d processed", processed)
	}
	if len(jobs.jobs) != 0 {
		t.Errorf("expected no jobs enqueued while at capacity, got %d", len(jobs.jobs))
	}
	if len(client.messages) != 1 {
		t.Errorf("expected the stream entry to remain unread")
	}
}

func TestDedupSet_EvictsOldestPastCapacity(t *testing.T) {
	d := newDedupSet(2, time.Hour)
	d.Record("a")
	d.Record("b")
	d.Record("c")

	if d.SeenRecently("a") {
		t.Error("expected 'a' to be evicted past capacity")
	}
	if !d.SeenRecently("b") || !d.SeenRecently("c") {
		t.Error("expected 'b' and 'c' to remain")
	}
}
