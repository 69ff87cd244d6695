// Package downstream reads products from the storefront REST API and turns
// their stock metadata into stock snapshots.
package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-faster/errors"

	"github.com/fedega15/front-system-integration/internal/domain/tenant"
)

const productsPath = "/wp-json/wc/v3/products/"

// ErrProductNotFound is returned when the storefront does not know a product.
var ErrProductNotFound = errors.New("product not found")

// APIError is an unexpected storefront response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storefront returned %d: %s", e.StatusCode, e.Body)
}

// Product is the part of a storefront product the engine reads.
type Product struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	SKU      string `json:"sku"`
	MetaData []Meta `json:"meta_data"`
}

// Meta is a product metadata entry. Values are arbitrary JSON.
type Meta struct {
	ID    int64           `json:"id"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Client is a storefront REST client. Credentials are passed per call since
// every tenant has its own storefront.
type Client struct {
	http *http.Client
}

// NewClient creates a Client.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc}
}

// Product fetches a product or variation by id.
func (c *Client) Product(ctx context.Context, creds tenant.Credentials, ref string) (*Product, error) {
	u := strings.TrimRight(creds.Downstream.URL, "/") + productsPath + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.SetBasicAuth(creds.Downstream.ConsumerKey, creds.Downstream.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get product %s", ref)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrProductNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, errors.Wrapf(err, "decode product %s", ref)
	}
	return &p, nil
}
