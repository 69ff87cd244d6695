// Package commerce models the storefront order as delivered by the
// downstream commerce platform. The engine only reads and re-projects it.
package commerce

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// TopicOrderCreated is the webhook topic that triggers order replication.
const TopicOrderCreated = "order.created"

// ErrEmptyOrder is returned when a payload carries no line items.
var ErrEmptyOrder = errors.New("order has no line items")

// Order is a storefront order.
type Order struct {
	ID                 int64
	Number             string
	Currency           string
	Status             string
	CreatedAt          time.Time
	ModifiedAt         time.Time
	CustomerNote       string
	Billing            Address
	Shipping           Address
	PaymentMethod      string
	PaymentMethodTitle string
	TransactionID      string
	Lines              []Line
}

// Address is a billing or shipping block.
type Address struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Line is a single order line.
type Line struct {
	ID          int64
	ProductID   int64
	VariationID int64
	Name        string
	SKU         string
	Quantity    int
	// Price is the unit price.
	Price    decimal.Decimal
	Subtotal decimal.Decimal
	// Total is the line total after discounts, excluding tax.
	Total    decimal.Decimal
	TotalTax decimal.Decimal
	// Size is the size attribute picked by the customer, if any.
	Size string
}

// Ref returns the product reference used to look up stock: the variation
// when the line points at one, the parent product otherwise.
func (l Line) Ref() string {
	if l.VariationID != 0 {
		return strconv.FormatInt(l.VariationID, 10)
	}
	return strconv.FormatInt(l.ProductID, 10)
}

// IDString returns the order id in its textual form.
func (o *Order) IDString() string {
	return strconv.FormatInt(o.ID, 10)
}

// TotalQuantity sums the ordered quantity across all lines.
func (o *Order) TotalQuantity() int {
	var n int
	for _, l := range o.Lines {
		n += l.Quantity
	}
	return n
}

// LineByRef returns the first line with the given product reference.
func (o *Order) LineByRef(ref string) (Line, bool) {
	for _, l := range o.Lines {
		if l.Ref() == ref {
			return l, true
		}
	}
	return Line{}, false
}

type orderJSON struct {
	ID                 int64      `json:"id"`
	Number             string     `json:"number"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	DateCreated        string     `json:"date_created"`
	DateModified       string     `json:"date_modified"`
	CustomerNote       string     `json:"customer_note"`
	Billing            Address    `json:"billing"`
	Shipping           Address    `json:"shipping"`
	PaymentMethod      string     `json:"payment_method"`
	PaymentMethodTitle string     `json:"payment_method_title"`
	TransactionID      string     `json:"transaction_id"`
	LineItems          []lineJSON `json:"line_items"`
}

type lineJSON struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	ProductID   int64           `json:"product_id"`
	VariationID int64           `json:"variation_id"`
	Quantity    int             `json:"quantity"`
	SKU         string          `json:"sku"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Total       decimal.Decimal `json:"total"`
	TotalTax    decimal.Decimal `json:"total_tax"`
	MetaData    []metaJSON      `json:"meta_data"`
}

type metaJSON struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// storefront timestamps come without a zone.
const storefrontTimeLayout = "2006-01-02T15:04:05"

// Decode parses a storefront order payload.
func Decode(data []byte) (*Order, error) {
	var raw orderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode order")
	}
	if raw.ID == 0 {
		return nil, errors.New("order id is required")
	}
	if len(raw.LineItems) == 0 {
		return nil, ErrEmptyOrder
	}

	o := &Order{
		ID:                 raw.ID,
		Number:             raw.Number,
		Currency:           raw.Currency,
		Status:             raw.Status,
		CreatedAt:          parseTime(raw.DateCreated),
		ModifiedAt:         parseTime(raw.DateModified),
		CustomerNote:       raw.CustomerNote,
		Billing:            raw.Billing,
		Shipping:           raw.Shipping,
		PaymentMethod:      raw.PaymentMethod,
		PaymentMethodTitle: raw.PaymentMethodTitle,
		TransactionID:      raw.TransactionID,
		Lines:              make([]Line, 0, len(raw.LineItems)),
	}
	if o.Number == "" {
		o.Number = o.IDString()
	}

	for _, li := range raw.LineItems {
		if li.Quantity <= 0 {
			return nil, errors.Errorf("line %d: quantity must be greater than 0", li.ID)
		}
		o.Lines = append(o.Lines, Line{
			ID:          li.ID,
			ProductID:   li.ProductID,
			VariationID: li.VariationID,
			Name:        li.Name,
			SKU:         li.SKU,
			Quantity:    li.Quantity,
			Price:       li.Price,
			Subtotal:    li.Subtotal,
			Total:       li.Total,
			TotalTax:    li.TotalTax,
			Size:        sizeFromMeta(li.MetaData),
		})
	}
	return o, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(storefrontTimeLayout, s); err == nil {
		return t
	}
	return time.Time{}
}

// sizeFromMeta picks the first meta entry whose key mentions "size".
func sizeFromMeta(meta []metaJSON) string {
	for _, m := range meta {
		if !strings.Contains(strings.ToLower(m.Key), "size") {
			continue
		}
		var s string
		if err := json.Unmarshal(m.Value, &s); err == nil {
			return s
		}
	}
	return ""
}
