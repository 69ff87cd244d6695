package commerce

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayload = `{
  "id": 727,
  "number": "727",
  "currency": "EUR",
  "status": "processing",
  "date_created": "2026-03-14T10:30:00",
  "billing": {"first_name": "Jane", "last_name": "Doe", "email": "jane@example.com", "city": "Madrid"},
  "shipping": {"first_name": "Jane", "city": "Madrid"},
  "payment_method": "stripe",
  "transaction_id": "pi_123",
  "line_items": [
    {
      "id": 1, "name": "Shirt", "product_id": 10, "variation_id": 15, "quantity": 2,
      "sku": "SH-M", "price": 20.5, "subtotal": "41.00", "total": "41.00", "total_tax": "8.61",
      "meta_data": [{"key": "pa_size", "value": "M"}, {"key": "_reduced_stock", "value": 2}]
    },
    {
      "id": 2, "name": "Cap", "product_id": 11, "variation_id": 0, "quantity": 1,
      "price": 10, "total": "10.00", "total_tax": "2.10", "meta_data": []
    }
  ]
}`

func TestDecode(t *testing.T) {
	o, err := Decode([]byte(testPayload))
	require.NoError(t, err)

	assert.Equal(t, int64(727), o.ID)
	assert.Equal(t, "727", o.IDString())
	assert.Equal(t, "EUR", o.Currency)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), o.CreatedAt)
	assert.Equal(t, "jane@example.com", o.Billing.Email)
	assert.Equal(t, "pi_123", o.TransactionID)
	assert.Equal(t, 3, o.TotalQuantity())

	require.Len(t, o.Lines, 2)
	shirt := o.Lines[0]
	assert.Equal(t, "15", shirt.Ref())
	assert.Equal(t, "M", shirt.Size)
	assert.True(t, shirt.Price.Equal(decimal.RequireFromString("20.5")))
	assert.True(t, shirt.TotalTax.Equal(decimal.RequireFromString("8.61")))

	capLine := o.Lines[1]
	assert.Equal(t, "11", capLine.Ref())
	assert.Empty(t, capLine.Size)

	l, ok := o.LineByRef("11")
	require.True(t, ok)
	assert.Equal(t, "Cap", l.Name)
	_, ok = o.LineByRef("99")
	assert.False(t, ok)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{name: "malformed", payload: `{"id":`},
		{name: "missing id", payload: `{"line_items":[{"product_id":1,"quantity":1}]}`},
		{name: "no lines", payload: `{"id": 1, "line_items": []}`, wantErr: ErrEmptyOrder},
		{name: "zero quantity", payload: `{"id": 1, "line_items": [{"id": 5, "product_id": 1, "quantity": 0}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
