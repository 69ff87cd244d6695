// Package queue decouples webhook receipt from order processing: jobs are
// stored in a durable queue and consumed by a bounded worker pool.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/oklog/ulid/v2"

	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

// Job is a queued sync job. It is never modified after enqueue apart from
// its attempt bookkeeping.
type Job struct {
	ID          string             `json:"id"`
	Credentials tenant.Credentials `json:"credentials"`
	Topic       string             `json:"topic"`
	Payload     []byte             `json:"payload"`
	// Attempt is the 1-based attempt number of the current run.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// raw is the stored form the job was dequeued from.
	raw string
}

// NewJob creates a job with a fresh id.
func NewJob(creds tenant.Credentials, topic string, payload []byte) *Job {
	return &Job{
		ID:          ulid.Make().String(),
		Credentials: creds,
		Topic:       topic,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func (j *Job) encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", errors.Wrapf(err, "encode job %s", j.ID)
	}
	return string(data), nil
}

func decodeJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	j.raw = raw
	return &j, nil
}

// ErrWorkerLost is recorded on jobs recovered from a consumer that stopped
// heartbeating while it held them.
var ErrWorkerLost = errors.New("worker lost while processing job")

// HeartbeatInterval is how often a Pool renews its lease.
const HeartbeatInterval = 10 * time.Second

// Queue is a durable job queue with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job is available or the poll timeout elapses,
	// in which case it returns a nil job and a nil error.
	Dequeue(ctx context.Context) (*Job, error)
	// Complete acknowledges a processed job.
	Complete(ctx context.Context, job *Job) error
	// Fail re-queues the job while attempts remain and otherwise moves it
	// to the failed list. It reports whether the job was re-queued.
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	// Heartbeat renews the lease on the jobs this consumer holds.
	Heartbeat(ctx context.Context) error
	// Recover takes back jobs held by consumers whose lease expired. Each
	// such job counts the lost run as an attempt: it is re-queued while
	// attempts remain and otherwise moved to the failed list.
	Recover(ctx context.Context) (int, error)
}

// Options configures queue retention and retries.
type Options struct {
	Name          string
	MaxAttempts   int
	KeepCompleted int
	KeepFailed    int
	PollTimeout   time.Duration
	// Lease is how long a consumer keeps its jobs without a heartbeat.
	Lease time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "order-sync"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 1000
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 3000
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 3 * HeartbeatInterval
	}
	return o
}
