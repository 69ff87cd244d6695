package queue

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes a job. The returned outcome labels metrics and logs; a
// non-nil error fails the job and lets the queue retry it.
type Handler func(ctx context.Context, job *Job) (outcome string, err error)

// Pool runs a fixed number of workers over a Queue.
type Pool struct {
	queue       Queue
	handle      Handler
	concurrency int
	backoff     time.Duration
	heartbeat   time.Duration

	// aborted is cancelled by Abort and cancels running handlers.
	aborted context.Context
	abort   context.CancelFunc

	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewPool creates a Pool with concurrency workers.
func NewPool(q Queue, h Handler, concurrency int, meter metric.Meter) (*Pool, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	processed, err := meter.Int64Counter("sync.jobs.processed",
		metric.WithDescription("Sync jobs processed, by status and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create processed counter")
	}
	duration, err := meter.Float64Histogram("sync.jobs.duration",
		metric.WithDescription("Sync job processing time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}

	aborted, abort := context.WithCancel(context.Background())
	return &Pool{
		queue:       q,
		handle:      h,
		concurrency: concurrency,
		backoff:     time.Second,
		heartbeat:   HeartbeatInterval,
		aborted:     aborted,
		abort:       abort,
		processed:   processed,
		duration:    duration,
	}, nil
}

// Abort cancels the context of every running handler. Run still waits for
// the handlers to return.
func (p *Pool) Abort() {
	p.abort()
}

// Run starts the workers and blocks until ctx is cancelled. Jobs already
// dequeued are finished before Run returns. The lease is renewed until the
// last worker stops.
func (p *Pool) Run(ctx context.Context) error {
	lg := zctx.From(ctx)

	if err := p.recover(ctx); err != nil {
		return err
	}

	beat, stop := context.WithCancel(context.WithoutCancel(ctx))
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		p.keepAlive(beat)
	}()
	defer func() {
		stop()
		<-beatDone
	}()

	lg.Info("Starting workers", zap.Int("concurrency", p.concurrency))
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.concurrency {
		g.Go(func() error {
			p.work(zctx.With(ctx, zap.Int("worker", i)))
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) recover(ctx context.Context) error {
	n, err := p.queue.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "recover queue")
	}
	if n > 0 {
		zctx.From(ctx).Warn("Recovered jobs of lost workers", zap.Int("count", n))
	}
	return nil
}

// keepAlive renews the lease and takes back jobs of lost workers until ctx
// is done.
func (p *Pool) keepAlive(ctx context.Context) {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.queue.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Error("Heartbeat failed", zap.Error(err))
			continue
		}
		if err := p.recover(ctx); err != nil && ctx.Err() == nil {
			lg.Error("Recover failed", zap.Error(err))
		}
	}
}

func (p *Pool) work(ctx context.Context) {
	lg := zctx.From(ctx)
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Error("Dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		// In-flight jobs are drained on shutdown.
		p.process(context.WithoutCancel(ctx), job)
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	ctx = zctx.With(ctx,
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.Credentials.TenantID),
		zap.Int("attempt", job.Attempt),
	)
	lg := zctx.From(ctx)
	start := time.Now()

	jobCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.aborted, cancel)
	outcome, err := p.safeHandle(jobCtx, job)
	stop()
	cancel()

	status := "completed"
	if err != nil {
		retried, ferr := p.queue.Fail(ctx, job, err)
		switch {
		case ferr != nil:
			lg.Error("Failed to fail job", zap.Error(ferr), zap.NamedError("cause", err))
		case retried:
			status = "retried"
			lg.Warn("Job failed, will retry", zap.Error(err))
		default:
			status = "failed"
			lg.Error("Job failed permanently", zap.Error(err))
		}
	} else if cerr := p.queue.Complete(ctx, job); cerr != nil {
		lg.Error("Failed to complete job", zap.Error(cerr))
	}

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("outcome", outcome),
	)
	p.processed.Add(ctx, 1, attrs)
	p.duration.Record(ctx, elapsed.Seconds(), attrs)

	lg.Debug("Job processed",
		zap.String("status", status),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	)
}

func (p *Pool) safeHandle(ctx context.Context, job *Job) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			zctx.From(ctx).Error("Panic in job handler", zap.Any("panic", r), zap.Stack("stack"))
			outcome = "panic"
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return p.handle(ctx, job)
}
