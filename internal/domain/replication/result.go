package replication

import (
	"fmt"

	"github.com/fedega15/front-system-integration/internal/domain/allocation"
	"github.com/fedega15/front-system-integration/internal/domain/commerce"
)

// Result is the order-level sync result. It is only logged and returned to
// the queue, never persisted as is.
type Result struct {
	Status         Status                 `json:"status"`
	Message        string                 `json:"message"`
	Outcomes       []Outcome              `json:"fulfilled_orders"`
	TotalRequested int                    `json:"total_requested"`
	TotalFulfilled int                    `json:"total_fulfilled"`
	Shortfalls     []allocation.Shortfall `json:"shortfalls,omitempty"`
	Duplicate      bool                   `json:"duplicate,omitempty"`
	State          string                 `json:"state"`
}

// Succeeded counts successful outcomes.
func (r *Result) Succeeded() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// Aggregate folds sub-order outcomes into a result.
//
// The status is success when every outcome succeeded, partial when at least
// one did, and error otherwise. Only successful sub-orders count towards the
// fulfilled quantity.
func Aggregate(o *commerce.Order, outcomes []Outcome) *Result {
	r := &Result{
		Outcomes:       outcomes,
		TotalRequested: o.TotalQuantity(),
	}

	failed := 0
	for _, out := range outcomes {
		if out.Status == StatusSuccess {
			r.TotalFulfilled += out.Quantity
			continue
		}
		failed++
	}

	switch {
	case len(outcomes) == 0:
		r.Status = StatusError
		r.Message = ErrNothingReplicated.Error()
	case failed == 0:
		r.Status = StatusSuccess
		r.Message = fmt.Sprintf("order %d synced to %d store(s)", o.ID, len(outcomes))
	case failed < len(outcomes):
		r.Status = StatusPartial
		r.Message = fmt.Sprintf("order %d partially synced: %d of %d sub-orders failed", o.ID, failed, len(outcomes))
	default:
		r.Status = StatusError
		r.Message = fmt.Sprintf("order %d: all %d sub-orders failed", o.ID, len(outcomes))
	}
	return r
}

// Aborted builds the result of a job that stopped before replication.
// The order may be nil when it could not be decoded.
func Aborted(o *commerce.Order, err error) *Result {
	r := &Result{
		Status:  StatusError,
		Message: err.Error(),
	}
	if o != nil {
		r.TotalRequested = o.TotalQuantity()
	}
	return r
}
