package stock

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDirectory(t *testing.T) {
	d := NewDirectory([]Store{
		{StoreID: "S3", StockID: 3, Name: "Trondheim"},
		{StoreID: "S1", StockID: 1, Name: "Oslo"},
		{StoreID: "S1b", StockID: 1, Name: "Oslo duplicate"},
		{StoreID: "S2", StockID: 2, Name: "Bergen"},
	})

	require.Equal(t, 3, d.Len())
	var ids []int
	for _, s := range d.Stores() {
		ids = append(ids, s.StockID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)

	s, ok := d.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "S1", s.StoreID)

	_, ok = d.Lookup(9)
	assert.False(t, ok)
}

func TestDirectory_Unknown(t *testing.T) {
	d := NewDirectory([]Store{{StoreID: "S1", StockID: 1}})
	snapshot := Snapshot{
		"10": {Levels: []Level{{StockID: 1, Quantity: 4}, {StockID: 7, Quantity: 2}}},
		"11": {Levels: []Level{{StockID: 5, Quantity: 1}, {StockID: 9, Quantity: 0}, {StockID: 7, Quantity: 1}}},
	}

	assert.Equal(t, []int{5, 7}, d.Unknown(snapshot))
	assert.Empty(t, NewDirectory([]Store{{StockID: 1}, {StockID: 5}, {StockID: 7}}).Unknown(snapshot))
}

func TestProductStockInfo_Available(t *testing.T) {
	info := ProductStockInfo{Levels: []Level{{StockID: 1, Quantity: 2}, {StockID: 2, Quantity: 5}, {StockID: 1, Quantity: 1}}}

	assert.Equal(t, 3, info.Available(1))
	assert.Equal(t, 5, info.Available(2))
	assert.Equal(t, 0, info.Available(7))
}

func TestLookupError(t *testing.T) {
	err := error(&LookupError{ProductRef: "15", Err: ErrNoStockData})

	require.ErrorIs(t, err, ErrNoStockData)
	var lookupErr *LookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, "15", lookupErr.ProductRef)
	assert.Contains(t, err.Error(), "15")
}
