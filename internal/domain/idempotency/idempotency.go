// Package idempotency guarantees that a storefront order is replicated at
// most once per tenant.
//
// A job claims the order before any upstream call. The claim is a single
// atomic store operation, so overlapping deliveries of the same order cannot
// both proceed. A claim records its owner, the job that took it: a retry of
// that job re-takes the claim at once, while any other job must wait until
// the lease has expired.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("processed order record not found")

// Status is the processing state of an order.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusPartial    Status = "partial"
	StatusError      Status = "error"
)

// Key identifies an order of a tenant.
type Key struct {
	TenantID string
	OrderID  string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.OrderID
}

// Record is the durable processed-order marker.
type Record struct {
	Key         Key
	Status      Status
	Message     string
	Owner       string
	ClaimedAt   time.Time
	CompletedAt *time.Time
}

// DuplicateOrderError indicates the order was already processed.
type DuplicateOrderError struct {
	Key    Key
	Status Status
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("order %s already processed (status %s)", e.Key, e.Status)
}

// ClaimHeldError indicates another job holds an unexpired claim on the
// order. The caller should retry later.
type ClaimHeldError struct {
	Key       Key
	Owner     string
	ClaimedAt time.Time
}

func (e *ClaimHeldError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("order %s is being processed", e.Key)
	}
	return fmt.Sprintf("order %s is being processed by %s since %s", e.Key, e.Owner, e.ClaimedAt.Format(time.RFC3339))
}

// Store persists processed-order records.
type Store interface {
	// Claim atomically creates a processing record for key owned by owner.
	// It also takes over a processing record of the same owner, or one
	// claimed before staleBefore. When the key is held, claimed is false and
	// the current record is returned; current is nil if the record vanished
	// in between.
	Claim(ctx context.Context, key Key, owner string, now, staleBefore time.Time) (claimed bool, current *Record, err error)
	// Finish stores the final status of a claimed record.
	Finish(ctx context.Context, key Key, status Status, message string, now time.Time) error
	// Release deletes a record that is still processing under owner.
	Release(ctx context.Context, key Key, owner string) error
	Get(ctx context.Context, key Key) (*Record, error)
}

// ClaimStatus is the result of CheckAndClaim.
type ClaimStatus int

const (
	Claimed ClaimStatus = iota + 1
	AlreadyProcessed
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// Guard is the idempotency guard over a Store.
type Guard struct {
	store Store
	lease time.Duration
	now   func() time.Time
}

// NewGuard creates a Guard. Claims older than lease are considered abandoned.
func NewGuard(store Store, lease time.Duration) *Guard {
	return &Guard{store: store, lease: lease, now: time.Now}
}

// CheckAndClaim claims key for owner. On AlreadyProcessed the returned error
// is a *DuplicateOrderError describing the finished record. A claim held by
// another owner is reported as a *ClaimHeldError.
func (g *Guard) CheckAndClaim(ctx context.Context, key Key, owner string) (ClaimStatus, error) {
	var current *Record
	// A record released between the insert and the read leaves nothing to
	// report, so the claim is tried once more.
	for range 2 {
		now := g.now()
		claimed, rec, err := g.store.Claim(ctx, key, owner, now, now.Add(-g.lease))
		if err != nil {
			return 0, errors.Wrapf(err, "claim %s", key)
		}
		if claimed {
			return Claimed, nil
		}
		if current = rec; current != nil {
			break
		}
	}

	if current == nil || current.Status == StatusProcessing {
		held := &ClaimHeldError{Key: key}
		if current != nil {
			held.Owner = current.Owner
			held.ClaimedAt = current.ClaimedAt
		}
		return 0, held
	}
	return AlreadyProcessed, &DuplicateOrderError{Key: key, Status: current.Status}
}

// Complete records the final outcome of a claimed order.
func (g *Guard) Complete(ctx context.Context, key Key, status Status, message string) error {
	if err := g.store.Finish(ctx, key, status, message, g.now()); err != nil {
		return errors.Wrapf(err, "complete %s", key)
	}
	return nil
}

// Release drops the claim of owner so that a later delivery can process the
// order. It is used when a job aborts before any upstream call.
func (g *Guard) Release(ctx context.Context, key Key, owner string) error {
	if err := g.store.Release(ctx, key, owner); err != nil {
		return errors.Wrapf(err, "release %s", key)
	}
	return nil
}
