// Package upstream is the HTTP client of the POS/inventory platform.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/fedega15/front-system-integration/internal/domain/replication"
	"github.com/fedega15/front-system-integration/internal/domain/sale"
	"github.com/fedega15/front-system-integration/internal/domain/stock"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

var (
	_ replication.SaleCreator = (*Client)(nil)
	_ stock.StoreSource       = (*Client)(nil)
)

// Header names expected by the upstream API gateway.
const (
	HeaderSubscriptionKey = "Ocp-Apim-Subscription-Key"
	HeaderAPIKey          = "x-api-key"
	HeaderStoreID         = "X-StoreId"
)

const maxErrorBody = 4 << 10

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client calls the upstream platform.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// CreateSale creates s in the upstream store storeID.
func (c *Client) CreateSale(ctx context.Context, creds tenant.Credentials, storeID string, s *sale.Sale) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	s.Encode(e)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/Sale", bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, creds)
	req.Header.Set(HeaderStoreID, storeID)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "create sale %s", s.ExtRef)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Stores lists the stores of the tenant. Entries without a store or stock
// id are skipped.
func (c *Client) Stores(ctx context.Context, creds tenant.Credentials) ([]stock.Store, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Stores", http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	setAuth(req, creds)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var stores []stock.Store
	err = jx.Decode(resp.Body, 4096).Arr(func(d *jx.Decoder) error {
		s, err := decodeStore(d)
		if err != nil {
			return err
		}
		if s.StoreID != "" && s.StockID > 0 {
			stores = append(stores, s)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode stores")
	}
	return stores, nil
}

func setAuth(req *http.Request, creds tenant.Credentials) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderSubscriptionKey, creds.Upstream.SubscriptionKey)
	req.Header.Set(HeaderAPIKey, creds.Upstream.APIKey)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func decodeStore(d *jx.Decoder) (stock.Store, error) {
	var s stock.Store
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var err error
		switch string(key) {
		case "StoreId":
			var n jx.Num
			if n, err = d.Num(); err == nil {
				s.StoreID = n.String()
			}
		case "StockId":
			s.StockID, err = d.Int()
		case "StoreName":
			s.Name, err = d.Str()
		case "Address":
			s.Address, err = d.Str()
		case "PostalCode":
			s.PostalCode, err = d.Str()
		case "City":
			s.City, err = d.Str()
		case "Country":
			s.Country, err = d.Str()
		case "Currency":
			s.Currency, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return s, err
}
