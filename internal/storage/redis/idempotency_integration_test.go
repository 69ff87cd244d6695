//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	rdb := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t)
	store := NewIdempotencyStore(rdb, "test:", time.Hour)
	key := idempotency.Key{TenantID: "t1", OrderID: "1001"}
	now := time.Now().UTC()

	claimed, _, err := store.Claim(ctx, key, "job-a", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	ttl, err := rdb.TTL(ctx, "test:t1:1001").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	claimed, rec, err := store.Claim(ctx, key, "job-b", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusProcessing, rec.Status)
	assert.Equal(t, "job-a", rec.Owner)
	assert.True(t, rec.ClaimedAt.Equal(now))

	// A retry of the same job re-takes its claim.
	claimed, _, err = store.Claim(ctx, key, "job-a", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, store.Finish(ctx, key, idempotency.StatusSuccess, "ok", now))
	require.NoError(t, store.Release(ctx, key, "job-a"))

	claimed, _, err = store.Claim(ctx, key, "job-a", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusSuccess, rec.Status)
	assert.Equal(t, "ok", rec.Message)
	assert.Equal(t, "job-a", rec.Owner)
	require.NotNil(t, rec.CompletedAt)

	ttl, err = rdb.TTL(ctx, "test:t1:1001").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)
}

func TestIdempotencyStore_Release(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore(startRedis(t), "", 0)
	key := idempotency.Key{TenantID: "t1", OrderID: "2002"}
	now := time.Now().UTC()

	_, _, err := store.Claim(ctx, key, "job-a", now, now.Add(-time.Minute))
	require.NoError(t, err)

	// Another job cannot release the claim.
	require.NoError(t, store.Release(ctx, key, "job-b"))
	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "job-a", rec.Owner)

	require.NoError(t, store.Release(ctx, key, "job-a"))

	_, err = store.Get(ctx, key)
	require.ErrorIs(t, err, idempotency.ErrNotFound)
	require.ErrorIs(t, store.Finish(ctx, key, idempotency.StatusError, "", now), idempotency.ErrNotFound)

	// Releasing an unknown key is a no-op.
	require.NoError(t, store.Release(ctx, key, "job-a"))
}

func TestIdempotencyStore_StaleClaimExpires(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore(startRedis(t), "", 0)
	key := idempotency.Key{TenantID: "t1", OrderID: "3003"}
	now := time.Now().UTC()

	claimed, _, err := store.Claim(ctx, key, "job-a", now, now.Add(-200*time.Millisecond))
	require.NoError(t, err)
	require.True(t, claimed)

	require.Eventually(t, func() bool {
		claimed, _, err := store.Claim(ctx, key, "job-b", now, now.Add(-time.Minute))
		return err == nil && claimed
	}, 5*time.Second, 100*time.Millisecond)
}
