// Package tenant holds the normalized credentials of one integration tenant.
//
// Credentials are resolved once at webhook ingress and travel with the job as
// an immutable snapshot. Planning, transformation and replication only ever
// see this value object, never the raw tenant record.
package tenant

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no tenant is registered for a source.
var ErrNotFound = errors.New("tenant not found")

// MissingCredentialsError indicates a tenant record lacks fields required
// to talk to one of the platforms.
type MissingCredentialsError struct {
	TenantID string
	Fields   []string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("tenant %s: missing credentials: %s", e.TenantID, strings.Join(e.Fields, ", "))
}

// Downstream holds storefront API credentials.
type Downstream struct {
	URL            string `json:"url"`
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

// Upstream holds POS/inventory platform credentials.
type Upstream struct {
	SubscriptionKey string `json:"subscription_key"`
	APIKey          string `json:"api_key"`
}

// Credentials is the credential snapshot of a tenant.
type Credentials struct {
	TenantID   string     `json:"tenant_id"`
	Source     string     `json:"source"`
	Downstream Downstream `json:"downstream"`
	Upstream   Upstream   `json:"upstream"`
}

// Validate reports every missing field at once.
func (c Credentials) Validate() error {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("tenant_id", c.TenantID)
	check("downstream.url", c.Downstream.URL)
	check("downstream.consumer_key", c.Downstream.ConsumerKey)
	check("downstream.consumer_secret", c.Downstream.ConsumerSecret)
	check("upstream.subscription_key", c.Upstream.SubscriptionKey)
	check("upstream.api_key", c.Upstream.APIKey)

	if len(missing) > 0 {
		return &MissingCredentialsError{TenantID: c.TenantID, Fields: missing}
	}
	return nil
}

// Resolver maps a webhook source identifier to tenant credentials.
type Resolver interface {
	ResolveBySource(ctx context.Context, source string) (*Credentials, error)
}

// NormalizeSource reduces a webhook source to "scheme://host" in lower case
// so that trailing slashes and paths do not produce distinct tenants.
func NormalizeSource(source string) string {
	s := strings.ToLower(strings.TrimSpace(source))
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimRight(s, "/")
	}
	return u.Scheme + "://" + u.Host
}
