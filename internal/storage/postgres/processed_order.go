package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
)

var _ idempotency.Store = (*ProcessedOrderStore)(nil)

// ProcessedOrderStore implements idempotency.Store on the processed_orders
// table. The (tenant_id, order_id) primary key makes a claim a single
// conflict-checked insert.
type ProcessedOrderStore struct {
	db DBTX
}

// NewProcessedOrderStore returns a ProcessedOrderStore that uses the given pool.
func NewProcessedOrderStore(db DBTX) *ProcessedOrderStore {
	return &ProcessedOrderStore{db: db}
}

const claimOrder = `
INSERT INTO processed_orders (tenant_id, order_id, status, message, claimed_by, claimed_at)
VALUES ($1, $2, 'processing', '', $3, $4)
ON CONFLICT (tenant_id, order_id) DO UPDATE
    SET claimed_by = EXCLUDED.claimed_by, claimed_at = EXCLUDED.claimed_at, message = '', completed_at = NULL
    WHERE processed_orders.status = 'processing'
      AND (processed_orders.claimed_by = EXCLUDED.claimed_by OR processed_orders.claimed_at < $5)
RETURNING order_id`

// Claim inserts a processing record, or takes over one that owner already
// holds or that has gone stale. Otherwise nothing is returned and the
// current record is loaded instead.
func (s *ProcessedOrderStore) Claim(ctx context.Context, key idempotency.Key, owner string, now, staleBefore time.Time) (bool, *idempotency.Record, error) {
	var orderID string
	err := s.db.QueryRow(ctx, claimOrder, key.TenantID, key.OrderID, owner, now, staleBefore).Scan(&orderID)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, errors.Wrapf(err, "claim order %s", key)
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, idempotency.ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return false, rec, nil
}

const finishOrder = `
UPDATE processed_orders
SET status = $3, message = $4, completed_at = $5
WHERE tenant_id = $1 AND order_id = $2`

func (s *ProcessedOrderStore) Finish(ctx context.Context, key idempotency.Key, status idempotency.Status, message string, now time.Time) error {
	tag, err := s.db.Exec(ctx, finishOrder, key.TenantID, key.OrderID, string(status), message, now)
	if err != nil {
		return errors.Wrapf(err, "finish order %s", key)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrNotFound
	}
	return nil
}

const releaseOrder = `
DELETE FROM processed_orders
WHERE tenant_id = $1 AND order_id = $2 AND status = 'processing' AND claimed_by = $3`

func (s *ProcessedOrderStore) Release(ctx context.Context, key idempotency.Key, owner string) error {
	if _, err := s.db.Exec(ctx, releaseOrder, key.TenantID, key.OrderID, owner); err != nil {
		return errors.Wrapf(err, "release order %s", key)
	}
	return nil
}

const getOrder = `
SELECT status, message, claimed_by, claimed_at, completed_at
FROM processed_orders
WHERE tenant_id = $1 AND order_id = $2`

func (s *ProcessedOrderStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	rec := idempotency.Record{Key: key}
	var status string
	err := s.db.QueryRow(ctx, getOrder, key.TenantID, key.OrderID).
		Scan(&status, &rec.Message, &rec.Owner, &rec.ClaimedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", key)
	}
	rec.Status = idempotency.Status(status)
	return &rec, nil
}
