package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// BacklogCheck fails when depth reports more than threshold waiting jobs or
// cannot be read.
func BacklogCheck(depth func(ctx context.Context) (int64, error), threshold int64) CheckFunc {
	return func(ctx context.Context) error {
		n, err := depth(ctx)
		if err != nil {
			return errors.Wrap(err, "read backlog")
		}
		if n > threshold {
			return errors.Errorf("backlog %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}
