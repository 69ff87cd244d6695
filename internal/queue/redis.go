package queue

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

var _ Queue = (*RedisQueue)(nil)

// RedisQueue stores jobs in Redis lists: pending, completed, failed, and one
// processing list per consumer. Jobs move between lists atomically, so a
// crash never loses a job that was dequeued.
//
// Every consumer keeps a heartbeat key alive for the lease. Jobs left in the
// processing list of a consumer whose heartbeat expired are taken back by
// Recover.
type RedisQueue struct {
	rdb      redis.UniversalClient
	opts     Options
	consumer string
}

// NewRedisQueue creates a RedisQueue with a fresh consumer id.
func NewRedisQueue(rdb redis.UniversalClient, opts Options) *RedisQueue {
	return &RedisQueue{rdb: rdb, opts: opts.withDefaults(), consumer: ulid.Make().String()}
}

// Consumer returns the id this queue dequeues under.
func (q *RedisQueue) Consumer() string {
	return q.consumer
}

func (q *RedisQueue) key(list string) string {
	return q.opts.Name + ":" + list
}

func (q *RedisQueue) processingKey(consumer string) string {
	return q.opts.Name + ":processing:" + consumer
}

func (q *RedisQueue) heartbeatKey(consumer string) string {
	return q.opts.Name + ":consumer:" + consumer
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	raw, err := job.encode()
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key("pending"), raw).Err(); err != nil {
		return errors.Wrapf(err, "enqueue job %s", job.ID)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.rdb.BLMove(ctx, q.key("pending"), q.processingKey(q.consumer), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}

	job, err := decodeJob(raw)
	if err != nil {
		// Park undecodable entries so they do not block the processing list.
		if perr := q.park(ctx, raw); perr != nil {
			return nil, errors.Wrap(perr, "park undecodable job")
		}
		return nil, err
	}
	job.Attempt++
	return job, nil
}

func (q *RedisQueue) park(ctx context.Context, raw string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(q.consumer), 1, raw)
		pipe.LPush(ctx, q.key("failed"), raw)
		pipe.LTrim(ctx, q.key("failed"), 0, int64(q.opts.KeepFailed-1))
		return nil
	})
	return err
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	job.FinishedAt = time.Now().UTC()
	raw, err := job.encode()
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(q.consumer), 1, job.raw)
		pipe.LPush(ctx, q.key("completed"), raw)
		pipe.LTrim(ctx, q.key("completed"), 0, int64(q.opts.KeepCompleted-1))
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "complete job %s", job.ID)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	if cause != nil {
		job.LastError = cause.Error()
	}
	retry := job.Attempt < q.opts.MaxAttempts
	if !retry {
		job.FinishedAt = time.Now().UTC()
	}
	raw, err := job.encode()
	if err != nil {
		return false, err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(q.consumer), 1, job.raw)
		if retry {
			pipe.LPush(ctx, q.key("pending"), raw)
			return nil
		}
		pipe.LPush(ctx, q.key("failed"), raw)
		pipe.LTrim(ctx, q.key("failed"), 0, int64(q.opts.KeepFailed-1))
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "fail job %s", job.ID)
	}
	return retry, nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.key("consumers"), q.consumer)
		pipe.Set(ctx, q.heartbeatKey(q.consumer), time.Now().UTC().Format(time.RFC3339), q.opts.Lease)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "heartbeat %s", q.consumer)
	}
	return nil
}

// Recover renews this consumer's heartbeat before looking for dead ones.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	if err := q.Heartbeat(ctx); err != nil {
		return 0, err
	}

	consumers, err := q.rdb.SMembers(ctx, q.key("consumers")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list consumers")
	}

	var total int
	for _, c := range consumers {
		if c == q.consumer {
			continue
		}
		alive, err := q.rdb.Exists(ctx, q.heartbeatKey(c)).Result()
		if err != nil {
			return total, errors.Wrapf(err, "check consumer %s", c)
		}
		if alive > 0 {
			continue
		}

		n, err := q.recoverConsumer(ctx, c)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// recoverConsumer moves the jobs of a dead consumer into this consumer's
// processing list one at a time, then fails them as lost. Concurrent
// recoveries of the same consumer never share a job.
func (q *RedisQueue) recoverConsumer(ctx context.Context, consumer string) (int, error) {
	var n int
	for {
		raw, err := q.rdb.LMove(ctx, q.processingKey(consumer), q.processingKey(q.consumer), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, errors.Wrapf(err, "recover jobs of %s", consumer)
		}

		job, err := decodeJob(raw)
		if err != nil {
			if perr := q.park(ctx, raw); perr != nil {
				return n, errors.Wrap(perr, "park undecodable job")
			}
			continue
		}
		job.Attempt++
		if _, err := q.Fail(ctx, job, ErrWorkerLost); err != nil {
			return n, err
		}
		n++
	}

	if err := q.rdb.SRem(ctx, q.key("consumers"), consumer).Err(); err != nil {
		return n, errors.Wrapf(err, "forget consumer %s", consumer)
	}
	return n, nil
}

// Stats returns the length of each shared list and of this consumer's
// processing list.
func (q *RedisQueue) Stats(ctx context.Context) (map[string]int64, error) {
	keys := map[string]string{
		"pending":    q.key("pending"),
		"processing": q.processingKey(q.consumer),
		"completed":  q.key("completed"),
		"failed":     q.key("failed"),
	}
	cmds := make(map[string]*redis.IntCmd, len(keys))
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, key := range keys {
			cmds[name] = pipe.LLen(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "queue stats")
	}

	out := make(map[string]int64, len(keys))
	for name, cmd := range cmds {
		out[name] = cmd.Val()
	}
	return out, nil
}

// Pending returns the number of jobs waiting for a worker.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key("pending")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "pending jobs")
	}
	return n, nil
}
