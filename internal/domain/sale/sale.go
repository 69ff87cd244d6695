// Package sale models the upstream "create sale" payload and builds one sale
// per stock pool assignment.
package sale

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fedega15/front-system-integration/internal/domain/allocation"
	"github.com/fedega15/front-system-integration/internal/domain/commerce"
)

// Payment types understood by the upstream platform.
const (
	PaymentTypeCard = 1
	CardTypeOnline  = 2
)

// saleNamespace scopes generated sale GUIDs.
var saleNamespace = uuid.MustParse("3d0f6b8e-52a1-4c7e-9b5d-6a2e41f0c9d7")

const saleTimeLayout = "2006-01-02T15:04:05"

// Sale is an upstream sub-order for a single stock pool.
type Sale struct {
	SaleGUID     uuid.UUID
	ExtRef       string
	CustomerRef  string
	SaleDateTime time.Time
	IsComplete   bool
	IsVoided     bool
	Comment      string
	Lines        []Line
	Payments     []Payment
	Total        decimal.Decimal
	VATTotal     decimal.Decimal
}

// Line is a sale line debited from one stock pool.
type Line struct {
	Identity string
	Text     string
	Price    decimal.Decimal
	Qty      int
	StockID  int
	VAT      decimal.Decimal
}

// Payment is a sale payment line.
type Payment struct {
	ExtRef      string
	Currency    string
	Amount      decimal.Decimal
	PaymentType int
	CardType    int
}

// Quantity sums line quantities.
func (s *Sale) Quantity() int {
	var n int
	for _, l := range s.Lines {
		n += l.Qty
	}
	return n
}

// GUID returns the sale GUID for an order and stock pool. The same pair
// always yields the same GUID.
func GUID(orderID int64, stockID int) uuid.UUID {
	return uuid.NewSHA1(saleNamespace, []byte(fmt.Sprintf("%d:%d", orderID, stockID)))
}

// ExtRef returns the external reference of the sub-order for a stock pool.
func ExtRef(orderID int64, stockID int) string {
	return fmt.Sprintf("%d-%d", orderID, stockID)
}

// Transform builds the sale for one assignment of an order.
//
// Totals cover only the assignment's entries. Line totals and taxes are
// pro-rated by the share of the ordered quantity taken from this pool while
// unit prices are kept.
func Transform(o *commerce.Order, a allocation.Assignment) *Sale {
	s := &Sale{
		SaleGUID:     GUID(o.ID, a.StockID),
		ExtRef:       ExtRef(o.ID, a.StockID),
		CustomerRef:  o.Billing.Email,
		SaleDateTime: o.CreatedAt,
		IsComplete:   true,
		Total:        decimal.Zero,
		VATTotal:     decimal.Zero,
	}

	for _, e := range a.Entries {
		ol := orderedLine(o, e.ProductRef)
		share := decimal.NewFromInt(int64(e.Quantity))
		if ol.quantity > 0 {
			share = share.Div(decimal.NewFromInt(int64(ol.quantity)))
		}
		total := ol.total.Mul(share).Round(2)
		vat := ol.tax.Mul(share).Round(2)

		s.Lines = append(s.Lines, Line{
			Identity: e.Identity,
			Text:     ol.text,
			Price:    ol.price,
			Qty:      e.Quantity,
			StockID:  a.StockID,
			VAT:      vat,
		})
		s.Total = s.Total.Add(total).Add(vat)
		s.VATTotal = s.VATTotal.Add(vat)
	}

	s.Comment = comment(o, a, s.Quantity())
	s.Payments = []Payment{{
		ExtRef:      o.TransactionID,
		Currency:    currency(o, a),
		Amount:      s.Total,
		PaymentType: PaymentTypeCard,
		CardType:    CardTypeOnline,
	}}
	return s
}

type lineTotals struct {
	text     string
	price    decimal.Decimal
	total    decimal.Decimal
	tax      decimal.Decimal
	quantity int
}

// orderedLine folds every order line with ref into one.
func orderedLine(o *commerce.Order, ref string) lineTotals {
	lt := lineTotals{total: decimal.Zero, tax: decimal.Zero, price: decimal.Zero}
	for _, l := range o.Lines {
		if l.Ref() != ref {
			continue
		}
		if lt.quantity == 0 {
			lt.text = lineText(l)
			lt.price = l.Price
		}
		lt.total = lt.total.Add(l.Total)
		lt.tax = lt.tax.Add(l.TotalTax)
		lt.quantity += l.Quantity
	}
	return lt
}

func lineText(l commerce.Line) string {
	if l.Size == "" || strings.Contains(strings.ToLower(l.Name), strings.ToLower(l.Size)) {
		return l.Name
	}
	return l.Name + " - " + l.Size
}

func comment(o *commerce.Order, a allocation.Assignment, qty int) string {
	c := "Storefront order #" + o.Number
	if qty < o.TotalQuantity() {
		c += " (partial order from store " + a.Store.Name + ")"
	}
	return c
}

func currency(o *commerce.Order, a allocation.Assignment) string {
	if o.Currency != "" {
		return o.Currency
	}
	return a.Store.Currency
}

// MarshalJSON encodes the sale in the upstream wire format. Encoding is
// deterministic.
func (s *Sale) MarshalJSON() ([]byte, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	s.Encode(e)
	return append([]byte(nil), e.Bytes()...), nil
}

// Encode writes the sale to e.
func (s *Sale) Encode(e *jx.Encoder) {
	e.ObjStart()

	e.FieldStart("saleGuid")
	e.Str(s.SaleGUID.String())
	e.FieldStart("extRef")
	e.Str(s.ExtRef)
	e.FieldStart("customerID")
	e.Str(s.CustomerRef)
	e.FieldStart("saleDateTime")
	e.Str(s.SaleDateTime.Format(saleTimeLayout))
	e.FieldStart("isComplete")
	e.Bool(s.IsComplete)
	e.FieldStart("isVoided")
	e.Bool(s.IsVoided)
	e.FieldStart("comment")
	e.Str(s.Comment)

	e.FieldStart("salesLines")
	e.ArrStart()
	for _, l := range s.Lines {
		e.ObjStart()
		e.FieldStart("identity")
		e.Str(l.Identity)
		e.FieldStart("text")
		e.Str(l.Text)
		e.FieldStart("price")
		encodeMoney(e, l.Price)
		e.FieldStart("qty")
		e.Int(l.Qty)
		e.FieldStart("stockID")
		e.Int(l.StockID)
		e.FieldStart("vat")
		encodeMoney(e, l.VAT)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("paymentLines")
	e.ArrStart()
	for _, p := range s.Payments {
		e.ObjStart()
		e.FieldStart("extRef")
		e.Str(p.ExtRef)
		e.FieldStart("currency")
		e.Str(p.Currency)
		e.FieldStart("amount")
		encodeMoney(e, p.Amount)
		e.FieldStart("paymentType")
		e.Int(p.PaymentType)
		e.FieldStart("cardType")
		e.Int(p.CardType)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.ObjEnd()
}

func encodeMoney(e *jx.Encoder, d decimal.Decimal) {
	e.Raw([]byte(d.StringFixed(2)))
}
