package queue

import "time"

// State is the position of a Job in its lifecycle:
//
//	waiting/delayed -> active -> completed
//	active -> waiting/delayed (retry)
//	active -> failed -> dead
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// Metadata carries provenance for a Job, populated by whichever producer
// created it (the stream consumer, a plugin publishing a follow-up job).
type Metadata struct {
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int       `json:"version"`
}

// Job is a single unit of work on a Queue.
type Job struct {
	ID           string      `json:"id"`
	QueueName    string      `json:"queueName"`
	Type         string      `json:"type"`
	Payload      interface{} `json:"payload"`
	Metadata     Metadata    `json:"metadata"`
	Priority     int         `json:"priority"`
	AttemptsMade int         `json:"attemptsMade"`
	AttemptsMax  int         `json:"attemptsMax"`
	Backoff      Backoff     `json:"backoff"`
	DelayUntil   time.Time   `json:"delayUntil,omitempty"`
	State        State       `json:"state"`
	EnqueueSeq   int64       `json:"enqueueSeq"`
	Error        string      `json:"error,omitempty"`
	// Timeout, when > 0, overrides the queue's DefaultTimeout for this job
	// alone, as long as it's the shorter of the two.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// AddOptions configures addJob.
type AddOptions struct {
	Priority    int
	Delay       time.Duration
	AttemptsMax int
	Backoff     Backoff
	Metadata    Metadata
	Timeout     time.Duration
}

// Lease records which worker currently holds a job and when that lease
// expires.
type Lease struct {
	WorkerID    string    `json:"workerId"`
	LeaseExpiry time.Time `json:"leaseExpiry"`
}
