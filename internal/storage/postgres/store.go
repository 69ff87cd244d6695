package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/fedega15/front-system-integration/internal/domain/stock"
)

var _ stock.DirectoryRepository = (*StoreDirectory)(nil)

// StoreDirectory reads and writes a tenant's store directory.
type StoreDirectory struct {
	db DBTX
}

// NewStoreDirectory returns a StoreDirectory that uses the given pool.
func NewStoreDirectory(db DBTX) *StoreDirectory {
	return &StoreDirectory{db: db}
}

const listStores = `
SELECT stock_id, store_id, name, address, postal_code, city, country, currency
FROM stores
WHERE tenant_id = $1
ORDER BY stock_id`

// Directory loads every store of a tenant, ordered by stock id.
func (r *StoreDirectory) Directory(ctx context.Context, tenantID string) (*stock.Directory, error) {
	rows, err := r.db.Query(ctx, listStores, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "list stores of tenant %s", tenantID)
	}

	stores, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (stock.Store, error) {
		var s stock.Store
		err := row.Scan(&s.StockID, &s.StoreID, &s.Name, &s.Address, &s.PostalCode, &s.City, &s.Country, &s.Currency)
		return s, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan stores of tenant %s", tenantID)
	}
	return stock.NewDirectory(stores), nil
}

const upsertStore = `
INSERT INTO stores (tenant_id, stock_id, store_id, name, address, postal_code, city, country, currency, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (tenant_id, stock_id) DO UPDATE
    SET store_id = EXCLUDED.store_id,
        name = EXCLUDED.name,
        address = EXCLUDED.address,
        postal_code = EXCLUDED.postal_code,
        city = EXCLUDED.city,
        country = EXCLUDED.country,
        currency = EXCLUDED.currency,
        updated_at = now()`

// Upsert writes stores in one batch and returns how many were written.
func (r *StoreDirectory) Upsert(ctx context.Context, tenantID string, stores []stock.Store) (int, error) {
	if len(stores) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, s := range stores {
		batch.Queue(upsertStore, tenantID, s.StockID, s.StoreID, s.Name, s.Address, s.PostalCode, s.City, s.Country, s.Currency)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, s := range stores {
		if _, err := br.Exec(); err != nil {
			return 0, errors.Wrapf(err, "upsert store %d", s.StockID)
		}
	}
	return len(stores), nil
}
