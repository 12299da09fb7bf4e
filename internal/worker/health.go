package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL bounds how long a health observation may be reused.
	DefaultCacheTTL = 5 * time.Second

	// maxCapacity clamps whatever capacity a worker reports.
	maxCapacity = 5
)

var (
	// ErrHealthCheckFailed covers non-2xx probe responses and probe timeouts.
	ErrHealthCheckFailed = errors.New("health_check_failed")

	// ErrNetworkError covers connection-level probe failures.
	ErrNetworkError = errors.New("network_error")
)

// Health is one observation of a worker's readiness. Observations are
// immutable; a newer probe supersedes the old entry in the cache.
type Health struct {
	Location  Location
	Healthy   bool
	Capacity  int
	CheckedAt time.Time
}

// HealthCache is a time-bounded, shared cache of per-location health
// observations. Refresh is an idempotent overwrite: last probe wins.
type HealthCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[Location]Health
}

// NewHealthCache creates a cache with the given TTL. A non-positive TTL
// falls back to DefaultCacheTTL.
func NewHealthCache(ttl time.Duration) *HealthCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &HealthCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Location]Health),
	}
}

// WithClock overrides the cache's time source. Intended for tests.
func (c *HealthCache) WithClock(now func() time.Time) *HealthCache {
	c.now = now
	return c
}

// Get returns the cached observation for loc if it is still fresh.
func (c *HealthCache) Get(loc Location) (Health, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.entries[loc]
	if !ok {
		return Health{}, false
	}
	if c.now().Sub(h.CheckedAt) >= c.ttl {
		return Health{}, false
	}
	return h, true
}

// Put records a fresh observation, superseding any previous one.
func (c *HealthCache) Put(h Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[h.Location] = h
}

// GatewayCredentials are attached to every request sent to a worker, which
// sits behind an access gateway.
type GatewayCredentials struct {
	ClientID     string
	ClientSecret string
}

func (g GatewayCredentials) apply(req *http.Request) {
	if g.ClientID != "" {
		req.Header.Set("CF-Access-Client-Id", g.ClientID)
		req.Header.Set("CF-Access-Client-Secret", g.ClientSecret)
	}
}

// Prober issues bounded-timeout HTTP probes against worker /health endpoints
// and keeps the shared HealthCache warm.
type Prober struct {
	client *http.Client
	creds  GatewayCredentials
	cache  *HealthCache
	now    func() time.Time
}

// NewProber creates a Prober. timeout bounds each probe request.
func NewProber(timeout time.Duration, creds GatewayCredentials, cache *HealthCache) *Prober {
	return &Prober{
		client: &http.Client{Timeout: timeout},
		creds:  creds,
		cache:  cache,
		now:    time.Now,
	}
}

// WithClock overrides the prober's time source. Intended for tests.
func (p *Prober) WithClock(now func() time.Time) *Prober {
	p.now = now
	return p
}

type healthResponse struct {
	Status   string `json:"status"`
	Capacity int    `json:"capacity"`
}

// CheckHealth returns the cached observation for w when fresh, otherwise
// probes the worker's /health endpoint and refreshes the cache. A worker is
// healthy iff it reports status "ready" with spare capacity. Probe failures
// are classified as ErrHealthCheckFailed (non-2xx or timeout) or
// ErrNetworkError (connection-level); neither is cached, so the caller may
// retry immediately.
func (p *Prober) CheckHealth(ctx context.Context, w Worker) (Health, error) {
	if h, ok := p.cache.Get(w.Location); ok {
		return h, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL+"/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("%w: build probe request: %v", ErrNetworkError, err)
	}
	p.creds.apply(req)

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Health{}, fmt.Errorf("%w: probe %s timed out: %v", ErrHealthCheckFailed, w.Location, err)
		}
		return Health{}, fmt.Errorf("%w: probe %s: %v", ErrNetworkError, w.Location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Health{}, fmt.Errorf("%w: probe %s returned HTTP %d", ErrHealthCheckFailed, w.Location, resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Health{}, fmt.Errorf("%w: probe %s returned invalid body: %v", ErrHealthCheckFailed, w.Location, err)
	}

	capacity := body.Capacity
	if capacity < 0 {
		capacity = 0
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}

	h := Health{
		Location:  w.Location,
		Healthy:   body.Status == "ready" && capacity > 0,
		Capacity:  capacity,
		CheckedAt: p.now(),
	}
	p.cache.Put(h)
	return h, nil
}

// isTimeout reports whether err carries a timeout signal, possibly nested in
// a wrapped cause (url.Error around context deadline or net timeouts).
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
