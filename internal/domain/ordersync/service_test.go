package ordersync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedega15/front-system-integration/internal/domain/commerce"
	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
	"github.com/fedega15/front-system-integration/internal/domain/replication"
	"github.com/fedega15/front-system-integration/internal/domain/sale"
	"github.com/fedega15/front-system-integration/internal/domain/stock"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

// --- Mock implementations ---

type mockStockProvider struct {
	byRef map[string]stock.ProductStockInfo
	err   error
}

func (m *mockStockProvider) ProductStock(_ context.Context, _ tenant.Credentials, ref, _ string) (*stock.ProductStockInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.byRef[ref]
	if !ok {
		return nil, stock.ErrNoStockData
	}
	return &info, nil
}

type mockDirectory struct {
	mu    sync.Mutex
	dir   *stock.Directory
	err   error
	panic bool
}

func (m *mockDirectory) Directory(_ context.Context, _ string) (*stock.Directory, error) {
	if m.panic {
		panic("directory unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir, m.err
}

func (m *mockDirectory) Upsert(_ context.Context, _ string, stores []stock.Store) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Upserted stores win over existing ones with the same stock id.
	m.dir = stock.NewDirectory(append(append([]stock.Store(nil), stores...), m.dir.Stores()...))
	return len(stores), nil
}

type mockStoreSource struct {
	stores []stock.Store
	err    error
	calls  int
}

func (m *mockStoreSource) Stores(context.Context, tenant.Credentials) ([]stock.Store, error) {
	m.calls++
	return m.stores, m.err
}

type panickingProvider struct{}

func (panickingProvider) ProductStock(context.Context, tenant.Credentials, string, string) (*stock.ProductStockInfo, error) {
	panic("nil product cache")
}

type mockSaleCreator struct {
	mu     sync.Mutex
	sales  []*sale.Sale
	failOn map[string]error
}

func (m *mockSaleCreator) CreateSale(_ context.Context, _ tenant.Credentials, storeID string, s *sale.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = append(m.sales, s)
	return m.failOn[storeID]
}

func (m *mockSaleCreator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sales)
}

// --- Helpers ---

const testOrderPayload = `{
  "id": 1001, "number": "1001", "currency": "EUR",
  "billing": {"email": "jane@example.com"},
  "line_items": [
    {"id": 1, "name": "Shirt", "product_id": 10, "quantity": 5, "price": 20, "total": "100.00", "total_tax": "21.00"},
    {"id": 2, "name": "Cap", "product_id": 11, "quantity": 2, "price": 10, "total": "20.00", "total_tax": "4.20"}
  ]
}`

func testCredentials() tenant.Credentials {
	return tenant.Credentials{
		TenantID:   "t1",
		Source:     "https://shop.example.com",
		Downstream: tenant.Downstream{URL: "https://shop.example.com", ConsumerKey: "ck", ConsumerSecret: "cs"},
		Upstream:   tenant.Upstream{SubscriptionKey: "sub", APIKey: "key"},
	}
}

const testJobID = "01JOB0000000000000000000001"

func testEvent() Event {
	return Event{
		JobID:       testJobID,
		Credentials: testCredentials(),
		Topic:       commerce.TopicOrderCreated,
		Payload:     []byte(testOrderPayload),
	}
}

func testDirectory() *stock.Directory {
	return stock.NewDirectory([]stock.Store{
		{StoreID: "S1", StockID: 1, Name: "North", Currency: "EUR"},
		{StoreID: "S2", StockID: 2, Name: "South", Currency: "EUR"},
	})
}

func info(ref string, levels ...stock.Level) stock.ProductStockInfo {
	return stock.ProductStockInfo{ProductRef: ref, Identity: "ID-" + ref, Levels: levels}
}

type testEnv struct {
	svc       *Service
	guard     *idempotency.Guard
	store     *idempotency.MemoryStore
	creator   *mockSaleCreator
	directory *mockDirectory
	source    *mockStoreSource
}

func newTestEnv(stocks stock.Provider) *testEnv {
	store := idempotency.NewMemoryStore()
	guard := idempotency.NewGuard(store, time.Minute)
	creator := &mockSaleCreator{}
	directory := &mockDirectory{dir: testDirectory()}
	source := &mockStoreSource{}
	svc := NewService(guard, stocks, directory, source, replication.NewOrchestrator(creator))
	return &testEnv{
		svc:       svc,
		guard:     guard,
		store:     store,
		creator:   creator,
		directory: directory,
		source:    source,
	}
}

func plentifulStock() *mockStockProvider {
	return &mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 1, Quantity: 9}),
		"11": info("11", stock.Level{StockID: 1, Quantity: 9}),
	}}
}

var testKey = idempotency.Key{TenantID: "t1", OrderID: "1001"}

// --- Tests ---

func TestHandle_SingleStore(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 1, Quantity: 3}, stock.Level{StockID: 2, Quantity: 6}),
		"11": info("11", stock.Level{StockID: 1, Quantity: 2}, stock.Level{StockID: 2, Quantity: 5}),
	}})

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, replication.StatusSuccess, r.Status)
	assert.Equal(t, StateCompleted.String(), r.State)
	assert.Equal(t, 7, r.TotalRequested)
	assert.Equal(t, 7, r.TotalFulfilled)
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, "S2", r.Outcomes[0].StoreID)

	require.Equal(t, 1, env.creator.count())
	assert.Equal(t, "1001-2", env.creator.sales[0].ExtRef)

	rec, err := env.store.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusSuccess, rec.Status)
}

func TestHandle_SequentialDuplicateMakesNoUpstreamCalls(t *testing.T) {
	env := newTestEnv(plentifulStock())
	ctx := context.Background()

	first, err := env.svc.Handle(ctx, testEvent())
	require.NoError(t, err)
	assert.Equal(t, replication.StatusSuccess, first.Status)
	require.Equal(t, 1, env.creator.count())

	redelivered := testEvent()
	redelivered.JobID = "01JOB0000000000000000000002"
	second, err := env.svc.Handle(ctx, redelivered)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, replication.StatusError, second.Status)
	assert.Equal(t, StateAborted.String(), second.State)
	assert.Equal(t, 1, env.creator.count())
}

func TestHandle_DistributedAcrossStores(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 1, Quantity: 3}, stock.Level{StockID: 2, Quantity: 4}),
		"11": info("11", stock.Level{StockID: 2, Quantity: 2}),
	}})

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, replication.StatusSuccess, r.Status)
	require.Len(t, r.Outcomes, 2)
	assert.Equal(t, 2, r.Outcomes[0].StockID)
	assert.Equal(t, 6, r.Outcomes[0].Quantity)
	assert.Equal(t, 1, r.Outcomes[1].StockID)
	assert.Equal(t, 1, r.Outcomes[1].Quantity)
	assert.Equal(t, 7, r.TotalFulfilled)
	assert.Empty(t, r.Shortfalls)
}

func TestHandle_PartialFailure(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 1, Quantity: 3}, stock.Level{StockID: 2, Quantity: 4}),
		"11": info("11", stock.Level{StockID: 2, Quantity: 2}),
	}})
	env.creator.failOn = map[string]error{"S1": errors.New("upstream unavailable")}

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, replication.StatusPartial, r.Status)
	assert.Equal(t, 6, r.TotalFulfilled)

	rec, err := env.store.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusPartial, rec.Status)
}

func TestHandle_ShortfallRecorded(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 1, Quantity: 1}, stock.Level{StockID: 2, Quantity: 2}),
		"11": info("11", stock.Level{StockID: 2, Quantity: 2}),
	}})

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, r.Shortfalls, 1)
	assert.Equal(t, "10", r.Shortfalls[0].ProductRef)
	assert.Less(t, r.TotalFulfilled, r.TotalRequested)
	assert.Equal(t, 5, r.TotalFulfilled)
}

func TestHandle_NoFulfillingStore(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 1, Quantity: 9}),
		"11": info("11", stock.Level{StockID: 1, Quantity: 0}),
	}})

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, replication.StatusError, r.Status)
	assert.Equal(t, StateAborted.String(), r.State)
	assert.Contains(t, r.Message, "product 11")
	assert.Zero(t, env.creator.count())

	_, err = env.store.Get(context.Background(), testKey)
	require.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestHandle_StockLookupFailureIsRetried(t *testing.T) {
	env := newTestEnv(&mockStockProvider{err: errors.New("storefront timeout")})

	_, err := env.svc.Handle(context.Background(), testEvent())

	var lookupErr *stock.LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Zero(t, env.creator.count())

	_, err = env.store.Get(context.Background(), testKey)
	require.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestHandle_MissingCredentials(t *testing.T) {
	env := newTestEnv(&mockStockProvider{})
	ev := testEvent()
	ev.Credentials.Upstream.APIKey = ""

	r, err := env.svc.Handle(context.Background(), ev)

	var mcErr *tenant.MissingCredentialsError
	require.ErrorAs(t, err, &mcErr)
	assert.Equal(t, replication.StatusError, r.Status)
	assert.Zero(t, env.creator.count())
}

func TestHandle_UnhandledTopic(t *testing.T) {
	env := newTestEnv(&mockStockProvider{})
	ev := testEvent()
	ev.Topic = "order.updated"

	_, err := env.svc.Handle(context.Background(), ev)
	require.ErrorIs(t, err, ErrUnhandledTopic)
}

func TestHandle_MalformedPayload(t *testing.T) {
	env := newTestEnv(&mockStockProvider{})
	ev := testEvent()
	ev.Payload = []byte(`{"id":`)

	_, err := env.svc.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Zero(t, env.creator.count())
}

func TestHandle_RetryOfCrashedJobRetakesClaim(t *testing.T) {
	env := newTestEnv(plentifulStock())
	ctx := context.Background()

	// A previous run of the same job claimed the order and died.
	_, err := env.guard.CheckAndClaim(ctx, testKey, testJobID)
	require.NoError(t, err)

	r, err := env.svc.Handle(ctx, testEvent())
	require.NoError(t, err)
	assert.False(t, r.Duplicate)
	assert.Equal(t, replication.StatusSuccess, r.Status)
	assert.Equal(t, 1, env.creator.count())

	rec, err := env.store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusSuccess, rec.Status)
}

func TestHandle_ClaimHeldByAnotherJobIsRetried(t *testing.T) {
	env := newTestEnv(plentifulStock())
	ctx := context.Background()

	const other = "01JOB0000000000000000000009"
	_, err := env.guard.CheckAndClaim(ctx, testKey, other)
	require.NoError(t, err)

	r, err := env.svc.Handle(ctx, testEvent())
	var heldErr *idempotency.ClaimHeldError
	require.ErrorAs(t, err, &heldErr)
	assert.Equal(t, other, heldErr.Owner)
	assert.False(t, r.Duplicate)
	assert.Equal(t, StateAborted.String(), r.State)
	assert.Zero(t, env.creator.count())

	rec, err := env.store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusProcessing, rec.Status)
	assert.Equal(t, other, rec.Owner)
}

func TestHandle_StockProviderPanic(t *testing.T) {
	env := newTestEnv(panickingProvider{})

	_, err := env.svc.Handle(context.Background(), testEvent())

	var lookupErr *stock.LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Contains(t, err.Error(), "nil product cache")
	assert.Zero(t, env.creator.count())

	_, err = env.store.Get(context.Background(), testKey)
	require.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestHandle_PanicReleasesClaim(t *testing.T) {
	env := newTestEnv(plentifulStock())
	env.directory.panic = true

	assert.Panics(t, func() {
		_, _ = env.svc.Handle(context.Background(), testEvent())
	})

	_, err := env.store.Get(context.Background(), testKey)
	require.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestHandle_CancelledJobReleasesClaim(t *testing.T) {
	env := newTestEnv(&mockStockProvider{err: context.Canceled})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.Handle(ctx, testEvent())
	require.Error(t, err)

	_, err = env.store.Get(context.Background(), testKey)
	require.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestHandle_RefreshesDirectoryForUnknownPool(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 3, Quantity: 9}),
		"11": info("11", stock.Level{StockID: 3, Quantity: 9}),
	}})
	env.source.stores = []stock.Store{
		{StoreID: "S1", StockID: 1, Name: "North"},
		{StoreID: "S3", StockID: 3, Name: "Harbour"},
	}

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, 1, env.source.calls)
	assert.Equal(t, replication.StatusSuccess, r.Status)
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, "S3", r.Outcomes[0].StoreID)
}

func TestHandle_UnknownPoolAfterFailedRefresh(t *testing.T) {
	env := newTestEnv(&mockStockProvider{byRef: map[string]stock.ProductStockInfo{
		"10": info("10", stock.Level{StockID: 3, Quantity: 9}),
		"11": info("11", stock.Level{StockID: 1, Quantity: 9}),
	}})
	env.source.err = errors.New("pos unavailable")

	r, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, 1, env.source.calls)
	assert.Equal(t, replication.StatusError, r.Status)
	assert.Contains(t, r.Message, "product 10")
	assert.Zero(t, env.creator.count())
}

func TestHandle_KnownPoolsSkipRefresh(t *testing.T) {
	env := newTestEnv(plentifulStock())

	_, err := env.svc.Handle(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Zero(t, env.source.calls)
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateReceived.CanTransition(StateValidating))
	assert.True(t, StateValidating.CanTransition(StateAborted))
	assert.True(t, StateAllocating.CanTransition(StateAborted))
	assert.False(t, StateReplicating.CanTransition(StateAborted))
	assert.False(t, StateCompleted.CanTransition(StateReceived))
	assert.True(t, StateCompleted.Terminal())
	assert.Equal(t, "unknown", State(99).String())
}
