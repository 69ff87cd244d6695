package queue

import (
	"context"
	"sync"
	"time"
)

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-process Queue for local runs and tests. Jobs do not
// survive a restart. Dequeued jobs are held for the lease and renewed by
// Heartbeat.
type MemoryQueue struct {
	opts Options

	mu         sync.Mutex
	pending    []*Job
	processing map[string]*held
	completed  []*Job
	failed     []*Job
	notify     chan struct{}
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:       opts.withDefaults(),
		processing: make(map[string]*held),
		notify:     make(chan struct{}, 1),
	}
}

type held struct {
	job   *Job
	until time.Time
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	cp := *job
	q.mu.Lock()
	q.pending = append(q.pending, &cp)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	timer := time.NewTimer(q.opts.PollTimeout)
	defer timer.Stop()

	for {
		if job := q.pop(); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	stored := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}

	q.processing[stored.ID] = &held{job: stored, until: time.Now().Add(q.opts.Lease)}
	job := *stored
	job.Attempt++
	return &job
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, job.ID)
	done := *job
	done.FinishedAt = time.Now().UTC()
	q.completed = keepLast(append(q.completed, &done), q.opts.KeepCompleted)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, job.ID)
	return q.fail(job, cause), nil
}

func (q *MemoryQueue) fail(job *Job, cause error) bool {
	next := *job
	if cause != nil {
		next.LastError = cause.Error()
	}
	if next.Attempt < q.opts.MaxAttempts {
		q.pending = append(q.pending, &next)
		q.signal()
		return true
	}
	next.FinishedAt = time.Now().UTC()
	q.failed = keepLast(append(q.failed, &next), q.opts.KeepFailed)
	return false
}

func (q *MemoryQueue) Heartbeat(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	until := time.Now().Add(q.opts.Lease)
	for _, h := range q.processing {
		h.until = until
	}
	return nil
}

func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	now := time.Now()
	for id, h := range q.processing {
		if now.Before(h.until) {
			continue
		}
		delete(q.processing, id)
		lost := *h.job
		lost.Attempt++
		q.fail(&lost, ErrWorkerLost)
		n++
	}
	return n, nil
}

// Completed returns a copy of the retained completed jobs.
func (q *MemoryQueue) Completed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job(nil), q.completed...)
}

// Failed returns a copy of the retained failed jobs.
func (q *MemoryQueue) Failed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job(nil), q.failed...)
}

func keepLast(jobs []*Job, n int) []*Job {
	if len(jobs) <= n {
		return jobs
	}
	return append([]*Job(nil), jobs[len(jobs)-n:]...)
}
