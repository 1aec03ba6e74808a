package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// StaticFeed returns a fixed quote stamped with the current time. Used for
// stable-value tokens and by the seeder.
type StaticFeed struct {
	Price *big.Int
}

func (f *StaticFeed) LatestQuote(ctx context.Context) (*big.Int, time.Time, error) {
	return new(big.Int).Set(f.Price), time.Now(), nil
}

// HTTPFeed polls a JSON endpoint of the form {"price":"...","updated_at":unix}.
// Prices are integers scaled by the feed's own decimal convention.
type HTTPFeed struct {
	URL    string
	Client *http.Client

	mu        sync.Mutex
	price     *big.Int
	updatedAt time.Time
	fetchedAt time.Time
}

// feedRefresh bounds how often the upstream endpoint is hit; the staleness
// check in LatestPrice still applies to the quote's own timestamp.
const feedRefresh = 15 * time.Second

func (f *HTTPFeed) LatestQuote(ctx context.Context) (*big.Int, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.price != nil && time.Since(f.fetchedAt) < feedRefresh {
		return new(big.Int).Set(f.price), f.updatedAt, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to build feed request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to fetch quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var body struct {
		Price     string `json:"price"`
		UpdatedAt int64  `json:"updated_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode quote: %w", err)
	}
	price, ok := new(big.Int).SetString(body.Price, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("feed returned malformed price %q", body.Price)
	}

	f.price = price
	f.updatedAt = time.Unix(body.UpdatedAt, 0)
	f.fetchedAt = time.Now()
	return new(big.Int).Set(f.price), f.updatedAt, nil
}

// Resolver maps the feed id stored in a token config to a live feed.
type Resolver map[string]PriceFeed

// Feed returns the feed registered under id.
func (r Resolver) Feed(id string) (PriceFeed, error) {
	feed, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("no price feed registered for %q", id)
	}
	return feed, nil
}
