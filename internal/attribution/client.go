// Package attribution implements the Attribution Client (C2): a
// rate-limited, cached lookup of an address's external entity
// attribution (exchange, fund, protocol) via an HTTP API.
package attribution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	requestTimeout = 10 * time.Second
	cacheTTL       = time.Hour
	requestsPerSec = 20
)

// Payload is the raw JSON document returned by the attribution API
// for an address.
type Payload map[string]any

type cacheEntry struct {
	payload    Payload // nil marks a cached negative (404) result
	insertedAt time.Time
}

// Client is the rate-limited, cached attribution lookup client.
type Client struct {
	apiKey string
	apiURL string
	http   *http.Client

	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Client against apiURL using apiKey for the
// API-Key header, rate-limited to 20 requests/second globally.
func New(apiKey, apiURL string) *Client {
	return &Client{
		apiKey:  apiKey,
		apiURL:  strings.TrimRight(apiURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		cache:   make(map[string]cacheEntry),
	}
}

func cacheKey(address, chain string) string {
	return strings.ToLower(address) + ":" + strings.ToLower(chain)
}

// Lookup returns the cached-or-fetched attribution payload for
// (address, chain), or nil if none is known. A fresh cache hit (within
// TTL) never issues an HTTP request; a miss does, respecting the
// 20 req/s limiter. Both positive and negative (404) results are
// cached; network errors, timeouts, and any non-{200,404} status are
// returned as nil and never cached, so the caller retries them on the
// next lookup rather than treating them as confirmed absence.
func (c *Client) Lookup(ctx context.Context, address, chain string) (Payload, error) {
	key := cacheKey(address, chain)

	if payload, ok := c.fromCache(key); ok {
		return payload, nil
	}

	// The limiter may suspend the caller for up to ~50ms; it is never
	// consulted while holding the cache lock (shared-resource
	// policy).
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/intelligence/address/%s?chain=%s", c.apiURL, address, chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil // network error / timeout: not cached
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload Payload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, nil // parse error: logged by caller, not cached
		}
		c.saveToCache(key, payload)
		return payload, nil
	case http.StatusNotFound:
		c.saveToCache(key, nil)
		return nil, nil
	default:
		return nil, nil // transient status: never cached, so it's retried next lookup
	}
}

func (c *Client) fromCache(key string) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.insertedAt) >= cacheTTL {
		delete(c.cache, key)
		return nil, false
	}
	return entry.payload, true
}

func (c *Client) saveToCache(key string, payload Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{payload: payload, insertedAt: time.Now()}
}

// ClearCache empties the attribution cache.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// CacheStats reports the current cache size and configured TTL.
type CacheStats struct {
	Size int
	TTL  time.Duration
}

func (c *Client) CacheStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.cache), TTL: cacheTTL}
}

// Extract reads the entity name and id from a payload in the
// recognized-field priority order: arkhamEntity, entity, arkhamLabel.
func Extract(payload Payload) (name *string, id *string) {
	if payload == nil {
		return nil, nil
	}
	for _, field := range []string{"arkhamEntity", "entity", "arkhamLabel"} {
		raw, ok := payload[field]
		if !ok {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if n, ok := obj["name"].(string); ok {
			name = &n
		}
		if i, ok := obj["id"].(string); ok {
			id = &i
		}
		if name != nil || id != nil {
			return name, id
		}
	}
	return nil, nil
}

// Close is a no-op retained for symmetry with the other components'
// lifecycle (C7 calls Close on every collaborator during shutdown);
// the underlying http.Client needs no explicit teardown.
func (c *Client) Close() {}
