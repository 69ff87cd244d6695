package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGuard(store Store) (*Guard, *testClock) {
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(store, time.Minute)
	g.now = clock.Now
	return g, clock
}

var testKey = Key{TenantID: "t1", OrderID: "1001"}

const (
	jobA = "01JOBA"
	jobB = "01JOBB"
)

type failingStore struct {
	MemoryStore
	err error
}

func (s *failingStore) Claim(context.Context, Key, string, time.Time, time.Time) (bool, *Record, error) {
	return false, nil, s.err
}

// vanishingStore loses the conflicting record the first vanish times Claim
// is called, as if it were released between the insert and the read.
type vanishingStore struct {
	*MemoryStore
	vanish int
	calls  int
}

func (s *vanishingStore) Claim(ctx context.Context, key Key, owner string, now, staleBefore time.Time) (bool, *Record, error) {
	s.calls++
	if s.calls <= s.vanish {
		return false, nil, nil
	}
	return s.MemoryStore.Claim(ctx, key, owner, now, staleBefore)
}

// --- Tests ---

func TestGuard_ClaimThenDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, _ := newTestGuard(store)

	status, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	assert.Equal(t, Claimed, status)

	require.NoError(t, g.Complete(ctx, testKey, StatusSuccess, "ok"))

	status, err = g.CheckAndClaim(ctx, testKey, jobA)
	assert.Equal(t, AlreadyProcessed, status)
	var dupErr *DuplicateOrderError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, testKey, dupErr.Key)
	assert.Equal(t, StatusSuccess, dupErr.Status)

	r, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, "ok", r.Message)
	require.NotNil(t, r.CompletedAt)
}

func TestGuard_InFlightClaimBlocksSecondWorker(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(NewMemoryStore())

	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = g.CheckAndClaim(ctx, testKey, jobB)
	var heldErr *ClaimHeldError
	require.ErrorAs(t, err, &heldErr)
	assert.Equal(t, jobA, heldErr.Owner)

	var dupErr *DuplicateOrderError
	assert.False(t, errors.As(err, &dupErr))
}

func TestGuard_SameOwnerRetakesClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, clock := newTestGuard(store)

	// The first run of the job crashed without completing or releasing.
	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	status, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	assert.Equal(t, Claimed, status)

	r, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, jobA, r.Owner)
	assert.Equal(t, clock.Now(), r.ClaimedAt)
}

func TestGuard_ReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, _ := newTestGuard(store)

	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, testKey, jobB))

	r, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, r.Status)
}

func TestGuard_VanishedRecordIsClaimedAgain(t *testing.T) {
	store := &vanishingStore{MemoryStore: NewMemoryStore(), vanish: 1}
	g, _ := newTestGuard(store)

	status, err := g.CheckAndClaim(context.Background(), testKey, jobA)
	require.NoError(t, err)
	assert.Equal(t, Claimed, status)
	assert.Equal(t, 2, store.calls)
}

func TestGuard_VanishedTwiceIsRetryable(t *testing.T) {
	store := &vanishingStore{MemoryStore: NewMemoryStore(), vanish: 2}
	g, _ := newTestGuard(store)

	_, err := g.CheckAndClaim(context.Background(), testKey, jobA)
	var heldErr *ClaimHeldError
	require.ErrorAs(t, err, &heldErr)
	assert.Empty(t, heldErr.Owner)
}

func TestGuard_StaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(NewMemoryStore())

	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	status, err := g.CheckAndClaim(ctx, testKey, jobB)
	require.NoError(t, err)
	assert.Equal(t, Claimed, status)
}

func TestGuard_CompletedRecordNeverExpires(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(NewMemoryStore())

	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, testKey, StatusPartial, "1 of 2 failed"))

	clock.Advance(24 * time.Hour)
	status, err := g.CheckAndClaim(ctx, testKey, jobA)
	assert.Equal(t, AlreadyProcessed, status)
	var dupErr *DuplicateOrderError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, StatusPartial, dupErr.Status)
}

func TestGuard_ReleaseAllowsReprocessing(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(NewMemoryStore())

	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, testKey, jobA))

	status, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	assert.Equal(t, Claimed, status)
}

func TestGuard_ReleaseKeepsCompletedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, _ := newTestGuard(store)

	_, err := g.CheckAndClaim(ctx, testKey, jobA)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, testKey, StatusSuccess, ""))
	require.NoError(t, g.Release(ctx, testKey, jobA))

	_, err = store.Get(ctx, testKey)
	require.NoError(t, err)
}

func TestGuard_ConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(NewMemoryStore())

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if status, err := g.CheckAndClaim(ctx, testKey, testJobID(i)); err == nil && status == Claimed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func testJobID(i int) string {
	return fmt.Sprintf("01JOB%03d", i)
}

func TestGuard_StoreError(t *testing.T) {
	g, _ := newTestGuard(&failingStore{err: errors.New("conn refused")})

	_, err := g.CheckAndClaim(context.Background(), testKey, jobA)
	require.Error(t, err)
	var dupErr *DuplicateOrderError
	assert.False(t, errors.As(err, &dupErr))
	assert.Contains(t, err.Error(), "conn refused")
}

func TestGuard_CompleteUnknownKey(t *testing.T) {
	g, _ := newTestGuard(NewMemoryStore())

	err := g.Complete(context.Background(), testKey, StatusSuccess, "")
	require.ErrorIs(t, err, ErrNotFound)
}
