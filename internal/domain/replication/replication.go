// Package replication sends sub-orders upstream and folds their outcomes into
// an order-level result.
package replication

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fedega15/front-system-integration/internal/domain/allocation"
	"github.com/fedega15/front-system-integration/internal/domain/sale"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

// Status is the outcome of a sub-order or of a whole order.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// SaleCreator creates a sale on the upstream platform for a store.
type SaleCreator interface {
	CreateSale(ctx context.Context, creds tenant.Credentials, storeID string, s *sale.Sale) error
}

// SubOrder pairs an assignment with the sale built from it.
type SubOrder struct {
	Assignment allocation.Assignment
	Sale       *sale.Sale
}

// Outcome is the result of replicating one sub-order.
type Outcome struct {
	StoreID   string `json:"store_id"`
	StockID   int    `json:"stock_id"`
	StoreName string `json:"store_name"`
	SaleGUID  string `json:"sale_guid"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Quantity  int    `json:"quantity"`
}

// Orchestrator fans sub-orders out to the upstream platform.
type Orchestrator struct {
	creator SaleCreator
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(creator SaleCreator) *Orchestrator {
	return &Orchestrator{creator: creator}
}

// Replicate creates every sub-order concurrently. A failing sub-order never
// cancels its siblings; its error is recorded in the outcome instead.
// Outcomes are returned in input order.
func (o *Orchestrator) Replicate(ctx context.Context, creds tenant.Credentials, subs []SubOrder) []Outcome {
	outcomes := make([]Outcome, len(subs))

	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			outcomes[i] = o.replicateOne(ctx, creds, sub)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (o *Orchestrator) replicateOne(ctx context.Context, creds tenant.Credentials, sub SubOrder) (out Outcome) {
	a := sub.Assignment
	out = Outcome{
		StoreID:   a.Store.StoreID,
		StockID:   a.StockID,
		StoreName: a.Store.Name,
		SaleGUID:  sub.Sale.SaleGUID.String(),
		Quantity:  sub.Sale.Quantity(),
	}

	lg := zctx.From(ctx).With(
		zap.String("store", a.Store.Name),
		zap.String("store_id", a.Store.StoreID),
		zap.Int("stock_id", a.StockID),
	)

	defer func() {
		if r := recover(); r != nil {
			lg.Error("Panic creating sale", zap.Any("panic", r), zap.Stack("stack"))
			out.Status = StatusError
			out.Message = fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := o.creator.CreateSale(ctx, creds, a.Store.StoreID, sub.Sale); err != nil {
		lg.Error("Create sale failed", zap.Error(err))
		out.Status = StatusError
		out.Message = err.Error()
		return out
	}

	lg.Info("Sale created", zap.String("ext_ref", sub.Sale.ExtRef), zap.Int("qty", out.Quantity))
	out.Status = StatusSuccess
	out.Message = fmt.Sprintf("sale %s created in store %s", sub.Sale.ExtRef, a.Store.Name)
	return out
}

// ErrNothingReplicated is reported when an order produced no sub-orders.
var ErrNothingReplicated = errors.New("no sub-orders were attempted")
