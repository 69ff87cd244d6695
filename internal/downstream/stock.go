package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/fedega15/front-system-integration/internal/domain/stock"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

var _ stock.Provider = (*StockProvider)(nil)

// StockProvider reads stock snapshots from storefront product metadata.
type StockProvider struct {
	client *Client
}

// NewStockProvider creates a StockProvider.
func NewStockProvider(client *Client) *StockProvider {
	return &StockProvider{client: client}
}

// ProductStock fetches the product and extracts its stock for the given size.
func (p *StockProvider) ProductStock(ctx context.Context, creds tenant.Credentials, ref, size string) (*stock.ProductStockInfo, error) {
	prod, err := p.client.Product(ctx, creds, ref)
	if err != nil {
		return nil, err
	}
	info, err := ExtractStock(prod, size)
	if err != nil {
		zctx.From(ctx).Warn("No stock data on product",
			zap.String("product_ref", ref),
			zap.String("size", size),
			zap.Int("meta_entries", len(prod.MetaData)),
		)
		return nil, err
	}
	info.ProductRef = ref
	return info, nil
}

// stockMeta is the stock entry stored in product metadata.
type stockMeta struct {
	Label    string      `json:"label"`
	Identity flexString  `json:"identity"`
	GTIN     flexString  `json:"gtin"`
	StockQty []stockLine `json:"stockQty"`
}

type stockLine struct {
	StockID flexInt `json:"stockId"`
	Qty     flexInt `json:"qty"`
}

// ExtractStock finds the stock entry of a product. An entry whose label
// matches size wins; otherwise the first entry carrying both an identity
// and stock quantities is used.
func ExtractStock(p *Product, size string) (*stock.ProductStockInfo, error) {
	entries := make([]stockMeta, 0, len(p.MetaData))
	for _, m := range p.MetaData {
		if e, ok := parseStockMeta(m.Value); ok {
			entries = append(entries, e)
		}
	}

	if want := normalizeLabel(size); want != "" {
		for _, e := range entries {
			if normalizeLabel(e.Label) == want && e.valid() {
				return e.info(), nil
			}
		}
	}
	for _, e := range entries {
		if e.valid() {
			return e.info(), nil
		}
	}
	return nil, errors.Wrapf(stock.ErrNoStockData, "product %d", p.ID)
}

func (e stockMeta) valid() bool {
	return e.Identity != "" && len(e.StockQty) > 0
}

func (e stockMeta) info() *stock.ProductStockInfo {
	info := &stock.ProductStockInfo{
		Identity: string(e.Identity),
		GTIN:     string(e.GTIN),
		Levels:   make([]stock.Level, 0, len(e.StockQty)),
	}
	for _, s := range e.StockQty {
		info.Levels = append(info.Levels, stock.Level{StockID: int(s.StockID), Quantity: int(s.Qty)})
	}
	return info
}

// parseStockMeta accepts the entry either as a JSON object or as a string
// holding one.
func parseStockMeta(raw json.RawMessage) (stockMeta, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return stockMeta{}, false
		}
		raw = []byte(s)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return stockMeta{}, false
	}
	var e stockMeta
	if err := json.Unmarshal(raw, &e); err != nil {
		return stockMeta{}, false
	}
	return e, true
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// flexString decodes a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt decodes a JSON number or numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return errors.Wrapf(err, "parse %q", string(s))
	}
	*f = flexInt(v)
	return nil
}
