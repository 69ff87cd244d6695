// Package allocation decides which stock pools fulfil an order.
//
// The planner is pure: given the same requirements, stock snapshot and store
// directory it always returns the same plan.
package allocation

import (
	"fmt"
	"sort"

	"github.com/go-faster/errors"

	"github.com/fedega15/front-system-integration/internal/domain/commerce"
	"github.com/fedega15/front-system-integration/internal/domain/stock"
)

// ErrNoRequirements is returned when there is nothing to allocate.
var ErrNoRequirements = errors.New("no requirements to allocate")

// NoFulfillingStoreError indicates that no known pool holds any stock of a
// required product.
type NoFulfillingStoreError struct {
	ProductRef string
}

func (e *NoFulfillingStoreError) Error() string {
	return fmt.Sprintf("no store has stock for product %s", e.ProductRef)
}

// Requirement is the quantity of a product an order needs.
type Requirement struct {
	ProductRef string
	Quantity   int
}

// Entry is a product quantity taken from one pool.
type Entry struct {
	ProductRef string
	Identity   string
	GTIN       string
	Quantity   int
}

// Assignment is one upstream sub-order: the products taken from a pool.
type Assignment struct {
	Store   stock.Store
	StockID int
	Entries []Entry
}

// Quantity sums the assigned quantity.
func (a Assignment) Quantity() int {
	var n int
	for _, e := range a.Entries {
		n += e.Quantity
	}
	return n
}

// Shortfall records a product that could only be partially covered.
type Shortfall struct {
	ProductRef string
	Requested  int
	Allocated  int
}

// Missing returns the uncovered quantity.
func (s Shortfall) Missing() int {
	return s.Requested - s.Allocated
}

// Plan is the outcome of allocation.
type Plan struct {
	Assignments []Assignment
	Shortfalls  []Shortfall
	// SingleStore is set when one pool covers the whole order.
	SingleStore bool
}

// Allocated sums the quantity assigned across all pools.
func (p *Plan) Allocated() int {
	var n int
	for _, a := range p.Assignments {
		n += a.Quantity()
	}
	return n
}

// RequirementsFromOrder derives requirements from order lines, in line order.
func RequirementsFromOrder(o *commerce.Order) []Requirement {
	reqs := make([]Requirement, 0, len(o.Lines))
	for _, l := range o.Lines {
		reqs = append(reqs, Requirement{ProductRef: l.Ref(), Quantity: l.Quantity})
	}
	return reqs
}

// Allocate plans the fulfilment of reqs against the stock snapshot.
//
// Only pools present in the directory are considered. When a single pool can
// cover every requirement it is used alone, preferring the lowest stock id.
// Otherwise requirements are walked in order and each takes stock from the
// pools with the most remaining availability first. Quantities that cannot
// be covered are reported as shortfalls.
func Allocate(reqs []Requirement, snapshot stock.Snapshot, dir *stock.Directory) (*Plan, error) {
	reqs = nonEmpty(reqs)
	if len(reqs) == 0 {
		return nil, ErrNoRequirements
	}

	avail := newAvailability(snapshot, dir)
	for _, r := range reqs {
		if avail.total(r.ProductRef) == 0 {
			return nil, &NoFulfillingStoreError{ProductRef: r.ProductRef}
		}
	}

	if p, ok := singleStore(reqs, snapshot, dir, avail); ok {
		return p, nil
	}
	return distribute(reqs, snapshot, dir, avail), nil
}

func nonEmpty(reqs []Requirement) []Requirement {
	out := make([]Requirement, 0, len(reqs))
	for _, r := range reqs {
		if r.Quantity > 0 {
			out = append(out, r)
		}
	}
	return out
}

// availability tracks remaining quantity per product and pool.
type availability map[string]map[int]int

func newAvailability(snapshot stock.Snapshot, dir *stock.Directory) availability {
	a := make(availability, len(snapshot))
	for ref, info := range snapshot {
		pools := make(map[int]int, len(info.Levels))
		for _, l := range info.Levels {
			if l.Quantity <= 0 {
				continue
			}
			if _, ok := dir.Lookup(l.StockID); !ok {
				continue
			}
			pools[l.StockID] += l.Quantity
		}
		a[ref] = pools
	}
	return a
}

func (a availability) total(ref string) int {
	var n int
	for _, q := range a[ref] {
		n += q
	}
	return n
}

func (a availability) take(ref string, stockID, qty int) {
	a[ref][stockID] -= qty
}

// needs sums requirements per product, in first-seen order.
func needs(reqs []Requirement) ([]string, map[string]int) {
	var order []string
	total := make(map[string]int, len(reqs))
	for _, r := range reqs {
		if _, ok := total[r.ProductRef]; !ok {
			order = append(order, r.ProductRef)
		}
		total[r.ProductRef] += r.Quantity
	}
	return order, total
}

func singleStore(reqs []Requirement, snapshot stock.Snapshot, dir *stock.Directory, avail availability) (*Plan, bool) {
	refs, total := needs(reqs)

	for _, s := range dir.Stores() {
		fits := true
		for _, ref := range refs {
			if avail[ref][s.StockID] < total[ref] {
				fits = false
				break
			}
		}
		if !fits {
			continue
		}

		a := Assignment{Store: s, StockID: s.StockID}
		for _, ref := range refs {
			a.Entries = append(a.Entries, newEntry(snapshot, ref, total[ref]))
		}
		return &Plan{Assignments: []Assignment{a}, SingleStore: true}, true
	}
	return nil, false
}

func distribute(reqs []Requirement, snapshot stock.Snapshot, dir *stock.Directory, avail availability) *Plan {
	p := &Plan{}
	byPool := make(map[int]int)
	allocated := make(map[string]int)

	for _, r := range reqs {
		remaining := r.Quantity
		for _, s := range candidates(r.ProductRef, dir, avail) {
			if remaining == 0 {
				break
			}
			qty := min(remaining, avail[r.ProductRef][s.StockID])
			avail.take(r.ProductRef, s.StockID, qty)
			remaining -= qty
			allocated[r.ProductRef] += qty

			i, ok := byPool[s.StockID]
			if !ok {
				i = len(p.Assignments)
				byPool[s.StockID] = i
				p.Assignments = append(p.Assignments, Assignment{Store: s, StockID: s.StockID})
			}
			p.Assignments[i].add(snapshot, r.ProductRef, qty)
		}
	}

	refs, total := needs(reqs)
	for _, ref := range refs {
		if allocated[ref] < total[ref] {
			p.Shortfalls = append(p.Shortfalls, Shortfall{
				ProductRef: ref,
				Requested:  total[ref],
				Allocated:  allocated[ref],
			})
		}
	}
	return p
}

// candidates lists pools holding ref, most remaining stock first. Ties keep
// directory order.
func candidates(ref string, dir *stock.Directory, avail availability) []stock.Store {
	var out []stock.Store
	for _, s := range dir.Stores() {
		if avail[ref][s.StockID] > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return avail[ref][out[i].StockID] > avail[ref][out[j].StockID]
	})
	return out
}

func (a *Assignment) add(snapshot stock.Snapshot, ref string, qty int) {
	for i := range a.Entries {
		if a.Entries[i].ProductRef == ref {
			a.Entries[i].Quantity += qty
			return
		}
	}
	a.Entries = append(a.Entries, newEntry(snapshot, ref, qty))
}

func newEntry(snapshot stock.Snapshot, ref string, qty int) Entry {
	info := snapshot[ref]
	return Entry{
		ProductRef: ref,
		Identity:   info.Identity,
		GTIN:       info.GTIN,
		Quantity:   qty,
	}
}
