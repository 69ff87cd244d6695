package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

var _ tenant.Resolver = (*TenantRepository)(nil)

// TenantRepository resolves tenants by webhook source.
type TenantRepository struct {
	db DBTX
}

// NewTenantRepository returns a TenantRepository that uses the given pool.
func NewTenantRepository(db DBTX) *TenantRepository {
	return &TenantRepository{db: db}
}

const getTenantBySource = `
SELECT id, source_url, downstream_url, downstream_consumer_key, downstream_consumer_secret,
       upstream_subscription_key, upstream_api_key
FROM tenants
WHERE source_url = $1`

// ResolveBySource returns the credentials registered for a webhook source.
// Returns tenant.ErrNotFound when the source is unknown.
func (r *TenantRepository) ResolveBySource(ctx context.Context, source string) (*tenant.Credentials, error) {
	var c tenant.Credentials
	err := r.db.QueryRow(ctx, getTenantBySource, tenant.NormalizeSource(source)).Scan(
		&c.TenantID,
		&c.Source,
		&c.Downstream.URL,
		&c.Downstream.ConsumerKey,
		&c.Downstream.ConsumerSecret,
		&c.Upstream.SubscriptionKey,
		&c.Upstream.APIKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tenant.ErrNotFound
		}
		return nil, errors.Wrapf(err, "resolve tenant by source %q", source)
	}
	return &c, nil
}

const upsertTenant = `
INSERT INTO tenants (id, source_url, downstream_url, downstream_consumer_key, downstream_consumer_secret,
                     upstream_subscription_key, upstream_api_key)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
    SET source_url = EXCLUDED.source_url,
        downstream_url = EXCLUDED.downstream_url,
        downstream_consumer_key = EXCLUDED.downstream_consumer_key,
        downstream_consumer_secret = EXCLUDED.downstream_consumer_secret,
        upstream_subscription_key = EXCLUDED.upstream_subscription_key,
        upstream_api_key = EXCLUDED.upstream_api_key`

// Upsert registers or updates a tenant. The source is stored normalized.
func (r *TenantRepository) Upsert(ctx context.Context, c tenant.Credentials) error {
	_, err := r.db.Exec(ctx, upsertTenant,
		c.TenantID,
		tenant.NormalizeSource(c.Source),
		c.Downstream.URL,
		c.Downstream.ConsumerKey,
		c.Downstream.ConsumerSecret,
		c.Upstream.SubscriptionKey,
		c.Upstream.APIKey,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert tenant %s", c.TenantID)
	}
	return nil
}
