// Package stock describes per-pool product availability and the directory of
// physical stores backing each stock pool.
package stock

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-faster/errors"

	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

// ErrNoStockData is returned when a product carries no usable stock metadata.
var ErrNoStockData = errors.New("no stock data")

// Level is the available quantity of a product in one stock pool.
type Level struct {
	StockID  int `json:"stockId"`
	Quantity int `json:"qty"`
}

// ProductStockInfo is a snapshot of one product's availability across pools.
type ProductStockInfo struct {
	ProductRef string
	// Identity is the upstream item identifier.
	Identity string
	GTIN     string
	Levels   []Level
}

// Available returns the quantity held in the given pool.
func (p ProductStockInfo) Available(stockID int) int {
	var n int
	for _, l := range p.Levels {
		if l.StockID == stockID {
			n += l.Quantity
		}
	}
	return n
}

// Snapshot is the per-job stock view keyed by product reference.
type Snapshot map[string]ProductStockInfo

// Store is the physical store backing a stock pool.
type Store struct {
	StoreID    string
	StockID    int
	Name       string
	Address    string
	PostalCode string
	City       string
	Country    string
	Currency   string
}

// Directory maps stock pools to stores. Stores are ordered by stock id.
type Directory struct {
	stores []Store
	byID   map[int]int
}

// NewDirectory builds a directory. A duplicated stock id keeps its first store.
func NewDirectory(stores []Store) *Directory {
	sorted := make([]Store, len(stores))
	copy(sorted, stores)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StockID < sorted[j].StockID
	})

	d := &Directory{
		stores: make([]Store, 0, len(sorted)),
		byID:   make(map[int]int, len(sorted)),
	}
	for _, s := range sorted {
		if _, ok := d.byID[s.StockID]; ok {
			continue
		}
		d.byID[s.StockID] = len(d.stores)
		d.stores = append(d.stores, s)
	}
	return d
}

// Lookup returns the store backing a stock pool.
func (d *Directory) Lookup(stockID int) (Store, bool) {
	i, ok := d.byID[stockID]
	if !ok {
		return Store{}, false
	}
	return d.stores[i], true
}

// Stores returns all stores in ascending stock id order.
func (d *Directory) Stores() []Store {
	return d.stores
}

// Len returns the number of stock pools.
func (d *Directory) Len() int {
	return len(d.stores)
}

// Unknown returns the pools that hold stock in s but have no store, in
// ascending order.
func (d *Directory) Unknown(s Snapshot) []int {
	seen := make(map[int]struct{})
	for _, info := range s {
		for _, l := range info.Levels {
			if l.Quantity <= 0 {
				continue
			}
			if _, ok := d.byID[l.StockID]; !ok {
				seen[l.StockID] = struct{}{}
			}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Provider reads a fresh stock snapshot for a product.
type Provider interface {
	ProductStock(ctx context.Context, creds tenant.Credentials, ref, size string) (*ProductStockInfo, error)
}

// DirectoryRepository loads and updates the store directory of a tenant.
type DirectoryRepository interface {
	Directory(ctx context.Context, tenantID string) (*Directory, error)
	Upsert(ctx context.Context, tenantID string, stores []Store) (int, error)
}

// StoreSource lists the stores a tenant has on the POS platform.
type StoreSource interface {
	Stores(ctx context.Context, creds tenant.Credentials) ([]Store, error)
}

// LookupError wraps a failed stock lookup with the product it concerns.
type LookupError struct {
	ProductRef string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("stock lookup for product %s: %v", e.ProductRef, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}
