package attribution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestLookup_CachesPositiveResult verifies that two
// lookups within the TTL issue exactly one outbound request.
func TestLookup_CachesPositiveResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("API-Key"); got != "test-key" {
			t.Errorf("API-Key header = %q, want test-key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"arkhamEntity":{"name":"Binance","id":"binance"}}`))
	}))
	defer srv.Close()

	c := New("test-key", srv.URL)

	for i := 0; i < 2; i++ {
		payload, err := c.Lookup(context.Background(), "0xABC", "ethereum")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		name, id := Extract(payload)
		if name == nil || *name != "Binance" {
			t.Fatalf("name = %v, want Binance", name)
		}
		if id == nil || *id != "binance" {
			t.Fatalf("id = %v, want binance", id)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("outbound requests = %d, want 1 (second lookup should hit the cache)", got)
	}
}

// TestLookup_CachesNegativeResult checks that a 404 is cached too,
// preventing a stampede on unknown addresses.
func TestLookup_CachesNegativeResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("test-key", srv.URL)

	for i := 0; i < 3; i++ {
		payload, err := c.Lookup(context.Background(), "0xDEF", "ethereum")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if payload != nil {
			t.Fatalf("payload = %v, want nil for a 404", payload)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("outbound requests = %d, want 1 (404 must be cached)", got)
	}
}

// TestLookup_TransientStatusNotCached verifies a 5xx (or any
// non-{200,404}) response is never cached, so every lookup retries it.
func TestLookup_TransientStatusNotCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("test-key", srv.URL)
	for i := 0; i < 2; i++ {
		if _, err := c.Lookup(context.Background(), "0x1", "ethereum"); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("outbound requests = %d, want 2 (5xx must never be cached)", got)
	}
}

// TestLookup_ExpiredCacheEntryRefetches checks cache freshness
// by forcing an entry's insertedAt into the
// past rather than sleeping out a real hour in the test.
func TestLookup_ExpiredCacheEntryRefetches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("test-key", srv.URL)
	if _, err := c.Lookup(context.Background(), "0x2", "ethereum"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	c.mu.Lock()
	entry := c.cache[cacheKey("0x2", "ethereum")]
	entry.insertedAt = time.Now().Add(-cacheTTL - time.Second)
	c.cache[cacheKey("0x2", "ethereum")] = entry
	c.mu.Unlock()

	if _, err := c.Lookup(context.Background(), "0x2", "ethereum"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("outbound requests = %d, want 2 (TTL-expired entry must refetch)", got)
	}
}

func TestExtract_PriorityOrder(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantNm  string
	}{
		{"arkhamEntity wins", Payload{
			"arkhamEntity": map[string]any{"name": "A", "id": "a"},
			"entity":       map[string]any{"name": "B", "id": "b"},
		}, "A"},
		{"falls back to entity", Payload{
			"entity":      map[string]any{"name": "B", "id": "b"},
			"arkhamLabel": map[string]any{"name": "C", "id": "c"},
		}, "B"},
		{"falls back to arkhamLabel", Payload{
			"arkhamLabel": map[string]any{"name": "C", "id": "c"},
		}, "C"},
		{"nothing recognized", Payload{"unrelated": 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, _ := Extract(tt.payload)
			got := ""
			if name != nil {
				got = *name
			}
			if got != tt.wantNm {
				t.Fatalf("name = %q, want %q", got, tt.wantNm)
			}
		})
	}
}

func TestExtract_NilPayload(t *testing.T) {
	name, id := Extract(nil)
	if name != nil || id != nil {
		t.Fatalf("Extract(nil) = (%v, %v), want (nil, nil)", name, id)
	}
}

// TestRateLimiter_BoundsRequestsPerSecond checks behavior on a burst of
// lookups: more requests than the 20 req/s bucket allows must not all
// complete instantly.
func TestRateLimiter_BoundsRequestsPerSecond(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("test-key", srv.URL)
	start := time.Now()
	// 25 distinct (uncached) addresses against a 20/s bucket of burst
	// 20: the 21st+ request must wait for a new token.
	for i := 0; i < 25; i++ {
		addr := "0x" + string(rune('a'+i))
		if _, err := c.Lookup(context.Background(), addr, "ethereum"); err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
	}
	// The 5 requests beyond the burst need 5/20 s = 250ms of refill.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("25 requests completed in %v, want at least 200ms (limiter must delay requests past the burst)", elapsed)
	}
}
