// Package ordersync runs one sync job: it validates the event, claims the
// order, plans the allocation, builds the sub-orders and replicates them.
package ordersync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fedega15/front-system-integration/internal/domain/allocation"
	"github.com/fedega15/front-system-integration/internal/domain/commerce"
	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
	"github.com/fedega15/front-system-integration/internal/domain/replication"
	"github.com/fedega15/front-system-integration/internal/domain/sale"
	"github.com/fedega15/front-system-integration/internal/domain/stock"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

// ErrUnhandledTopic is returned for events other than order creation.
var ErrUnhandledTopic = errors.New("unhandled topic")

// bookkeepingTimeout bounds claim updates made after the job context may
// already be cancelled.
const bookkeepingTimeout = 10 * time.Second

// Event is the input of a sync job.
type Event struct {
	// JobID owns the idempotency claim. Retries of a job share it.
	JobID       string
	Credentials tenant.Credentials
	Topic       string
	Payload     []byte
}

// Service runs sync jobs.
type Service struct {
	guard     *idempotency.Guard
	stocks    stock.Provider
	stores    stock.DirectoryRepository
	source    stock.StoreSource
	replicate *replication.Orchestrator
}

// NewService creates a sync Service with the required dependencies. A nil
// source disables store directory refreshes.
func NewService(
	guard *idempotency.Guard,
	stocks stock.Provider,
	stores stock.DirectoryRepository,
	source stock.StoreSource,
	orchestrator *replication.Orchestrator,
) *Service {
	return &Service{
		guard:     guard,
		stocks:    stocks,
		stores:    stores,
		source:    source,
		replicate: orchestrator,
	}
}

// Handle processes one event.
//
// A returned error means the job should be retried by the queue. Terminal
// outcomes such as a duplicate delivery or an order no store can fulfil are
// reported through the result with a nil error. An order claimed by another
// job that is still running is an error, so the queue retries it later.
func (s *Service) Handle(ctx context.Context, ev Event) (*replication.Result, error) {
	m := &machine{state: StateReceived}
	ctx = zctx.With(ctx,
		zap.String("tenant_id", ev.Credentials.TenantID),
		zap.String("topic", ev.Topic),
		zap.String("job_id", ev.JobID),
	)

	if ev.Topic != commerce.TopicOrderCreated {
		m.to(ctx, StateAborted)
		return m.abort(nil, errors.Wrap(ErrUnhandledTopic, ev.Topic)), ErrUnhandledTopic
	}

	// Validating.
	m.to(ctx, StateValidating)
	if err := ev.Credentials.Validate(); err != nil {
		m.to(ctx, StateAborted)
		return m.abort(nil, err), err
	}

	order, err := commerce.Decode(ev.Payload)
	if err != nil {
		m.to(ctx, StateAborted)
		return m.abort(nil, err), errors.Wrap(err, "decode payload")
	}
	ctx = zctx.With(ctx, zap.Int64("order_id", order.ID))
	lg := zctx.From(ctx)

	key := idempotency.Key{TenantID: ev.Credentials.TenantID, OrderID: order.IDString()}
	if _, err := s.guard.CheckAndClaim(ctx, key, ev.JobID); err != nil {
		m.to(ctx, StateAborted)
		var dupErr *idempotency.DuplicateOrderError
		if errors.As(err, &dupErr) {
			lg.Info("Skipping duplicate order", zap.String("status", string(dupErr.Status)))
			r := m.abort(order, dupErr)
			r.Duplicate = true
			return r, nil
		}
		var heldErr *idempotency.ClaimHeldError
		if errors.As(err, &heldErr) {
			lg.Info("Order claimed by another job", zap.String("owner", heldErr.Owner))
		}
		return m.abort(order, err), err
	}

	// Until replication starts no sale exists upstream, so any exit, panics
	// included, gives the claim back.
	replicating := false
	defer func() {
		if !replicating {
			s.release(ctx, key, ev.JobID)
		}
	}()

	// Allocating.
	m.to(ctx, StateAllocating)
	plan, err := s.allocate(ctx, ev.Credentials, order)
	if err != nil {
		m.to(ctx, StateAborted)

		var nfErr *allocation.NoFulfillingStoreError
		if errors.As(err, &nfErr) {
			lg.Warn("No store can fulfil order", zap.String("product_ref", nfErr.ProductRef))
			return m.abort(order, err), nil
		}
		return m.abort(order, err), err
	}
	for _, sf := range plan.Shortfalls {
		lg.Warn("Partial shortfall",
			zap.String("product_ref", sf.ProductRef),
			zap.Int("requested", sf.Requested),
			zap.Int("allocated", sf.Allocated),
		)
	}

	// Transforming.
	m.to(ctx, StateTransforming)
	subs := make([]replication.SubOrder, 0, len(plan.Assignments))
	for _, a := range plan.Assignments {
		subs = append(subs, replication.SubOrder{Assignment: a, Sale: sale.Transform(order, a)})
	}

	// Replicating.
	replicating = true
	m.to(ctx, StateReplicating)
	outcomes := s.replicate.Replicate(ctx, ev.Credentials, subs)

	// Aggregating.
	m.to(ctx, StateAggregating)
	result := replication.Aggregate(order, outcomes)
	result.Shortfalls = plan.Shortfalls

	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := s.guard.Complete(bctx, key, recordStatus(result.Status), result.Message); err != nil {
		// Sales exist upstream at this point, so the job must not fail.
		lg.Error("Failed to record processed order", zap.Error(err))
	}

	m.to(ctx, StateCompleted)
	result.State = m.state.String()
	lg.Info("Order synced",
		zap.String("status", string(result.Status)),
		zap.Int("stores", len(outcomes)),
		zap.Int("requested", result.TotalRequested),
		zap.Int("fulfilled", result.TotalFulfilled),
	)
	return result, nil
}

func (s *Service) allocate(ctx context.Context, creds tenant.Credentials, order *commerce.Order) (*allocation.Plan, error) {
	dir, err := s.stores.Directory(ctx, creds.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "load store directory")
	}
	snapshot, err := s.snapshot(ctx, creds, order)
	if err != nil {
		return nil, err
	}
	if unknown := dir.Unknown(snapshot); len(unknown) > 0 {
		dir = s.refreshDirectory(ctx, creds, dir, snapshot, unknown)
	}
	return allocation.Allocate(allocation.RequirementsFromOrder(order), snapshot, dir)
}

// refreshDirectory reloads the store directory from the POS platform when
// the snapshot holds stock in pools it does not know. On any failure the
// current directory is kept and the unknown pools are left out.
func (s *Service) refreshDirectory(
	ctx context.Context,
	creds tenant.Credentials,
	dir *stock.Directory,
	snapshot stock.Snapshot,
	unknown []int,
) *stock.Directory {
	lg := zctx.From(ctx)
	lg.Warn("Stock pools missing from store directory", zap.Ints("stock_ids", unknown))
	if s.source == nil {
		return dir
	}

	stores, err := s.source.Stores(ctx, creds)
	if err != nil {
		lg.Warn("Failed to fetch stores", zap.Error(err))
		return dir
	}
	n, err := s.stores.Upsert(ctx, creds.TenantID, stores)
	if err != nil {
		lg.Warn("Failed to update store directory", zap.Error(err))
		return dir
	}
	fresh, err := s.stores.Directory(ctx, creds.TenantID)
	if err != nil {
		lg.Warn("Failed to reload store directory", zap.Error(err))
		return dir
	}

	if still := fresh.Unknown(snapshot); len(still) > 0 {
		lg.Warn("Stock pools unknown after directory refresh", zap.Ints("stock_ids", still))
	} else {
		lg.Info("Store directory refreshed", zap.Int("stores", n))
	}
	return fresh
}

// snapshot reads the stock of every distinct product in the order
// concurrently.
func (s *Service) snapshot(ctx context.Context, creds tenant.Credentials, order *commerce.Order) (stock.Snapshot, error) {
	var (
		mu       sync.Mutex
		snapshot = make(stock.Snapshot, len(order.Lines))
		seen     = make(map[string]struct{}, len(order.Lines))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range order.Lines {
		ref := l.Ref()
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					zctx.From(ctx).Error("Panic reading stock", zap.String("product_ref", ref), zap.Any("panic", r), zap.Stack("stack"))
					err = &stock.LookupError{ProductRef: ref, Err: errors.Errorf("panic: %v", r)}
				}
			}()

			info, err := s.stocks.ProductStock(gctx, creds, ref, l.Size)
			if err != nil {
				return &stock.LookupError{ProductRef: ref, Err: err}
			}
			info.ProductRef = ref

			mu.Lock()
			snapshot[ref] = *info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Service) release(ctx context.Context, key idempotency.Key, owner string) {
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := s.guard.Release(bctx, key, owner); err != nil {
		zctx.From(ctx).Error("Failed to release claim", zap.Error(err))
	}
}

// bookkeeping returns a context for claim updates that outlives the
// cancellation of ctx.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func recordStatus(st replication.Status) idempotency.Status {
	switch st {
	case replication.StatusSuccess:
		return idempotency.StatusSuccess
	case replication.StatusPartial:
		return idempotency.StatusPartial
	default:
		return idempotency.StatusError
	}
}

type machine struct {
	state State
}

func (m *machine) to(ctx context.Context, s State) {
	if !m.state.CanTransition(s) {
		panic(fmt.Sprintf("invalid transition %s -> %s", m.state, s))
	}
	zctx.From(ctx).Debug("Job state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
}

func (m *machine) abort(order *commerce.Order, err error) *replication.Result {
	r := replication.Aborted(order, err)
	r.State = m.state.String()
	return r
}
