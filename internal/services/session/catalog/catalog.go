// Package catalog is a read-through cache over the tenant's menu catalog.
//
// The lane renders from this cache; a catalog backend hiccup must never
// blank the menu mid-order, so expired entries are served stale when a
// refresh fails and replaced only by a successful fetch.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ordertech/lanesync/internal/platform/timeouts"
)

// DefaultTTL is how long a fetched catalog stays fresh.
const DefaultTTL = 5 * time.Minute

// Category is one menu category.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

// Product is one sellable item.
type Product struct {
	SKU      string   `json:"sku"`
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Category string   `json:"category"`
	ImageURL string   `json:"image_url,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Client fetches and caches the catalog.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
	ttl        time.Duration
	now        func() time.Time

	mu           sync.Mutex
	categories   []Category
	categoriesAt time.Time
	products     []Product
	productsAt   time.Time
}

// NewClient creates a catalog client. token is optional; ttl <= 0 uses
// DefaultTTL.
func NewClient(baseURL string, token func() string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
		token:      token,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Categories returns the category list, refreshing when the cache has
// expired. A failed refresh serves the stale copy if one exists.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	c.mu.Lock()
	cached := c.categories
	fresh := cached != nil && c.now().Sub(c.categoriesAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return cached, nil
	}

	var fetched struct {
		Categories []Category `json:"categories"`
	}
	if err := c.fetch(ctx, "/catalog/categories", &fetched); err != nil {
		if cached != nil {
			log.Printf("catalog categories refresh failed, serving stale: %v", err)
			return cached, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.categories = fetched.Categories
	c.categoriesAt = c.now()
	c.mu.Unlock()
	return fetched.Categories, nil
}

// Products returns the product list with the same refresh and
// stale-on-error behavior as Categories.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	c.mu.Lock()
	cached := c.products
	fresh := cached != nil && c.now().Sub(c.productsAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return cached, nil
	}

	var fetched struct {
		Products []Product `json:"products"`
	}
	if err := c.fetch(ctx, "/catalog/products", &fetched); err != nil {
		if cached != nil {
			log.Printf("catalog products refresh failed, serving stale: %v", err)
			return cached, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.products = fetched.Products
	c.productsAt = c.now()
	c.mu.Unlock()
	return fetched.Products, nil
}

// Invalidate drops both caches, forcing the next read to fetch. Used when
// the device is deactivated or switches tenants.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.categories = nil
	c.products = nil
	c.categoriesAt = time.Time{}
	c.productsAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
