package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"

	"github.com/fedega15/front-system-integration/internal/domain/ordersync"
	"github.com/fedega15/front-system-integration/internal/queue"
)

// Job outcomes reported besides the sync result status.
const (
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeRetry     = "retry"
)

// HandleJob adapts the sync service to the worker pool. Jobs with a topic
// the service does not handle are acknowledged, since retrying them cannot
// succeed.
func HandleJob(svc *ordersync.Service) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (string, error) {
		res, err := svc.Handle(ctx, ordersync.Event{
			JobID:       job.ID,
			Credentials: job.Credentials,
			Topic:       job.Topic,
			Payload:     job.Payload,
		})
		switch {
		case errors.Is(err, ordersync.ErrUnhandledTopic):
			zctx.From(ctx).Warn("Dropping job with unhandled topic")
			return OutcomeIgnored, nil
		case err != nil:
			return OutcomeRetry, err
		case res.Duplicate:
			return OutcomeDuplicate, nil
		default:
			return string(res.Status), nil
		}
	}
}
