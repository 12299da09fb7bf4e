package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckHealthCachesWithinTTL(t *testing.T) {
	t.Parallel()

	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		fmt.Fprint(w, `{"status":"ready","capacity":3}`)
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewHealthCache(5 * time.Second).WithClock(clock)
	prober := NewProber(2*time.Second, GatewayCredentials{}, cache).WithClock(clock)
	w := Worker{Location: LocationMac, URL: srv.URL, Priority: 1}

	h, err := prober.CheckHealth(context.Background(), w)
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if !h.Healthy || h.Capacity != 3 {
		t.Fatalf("unexpected health %+v", h)
	}
	if probes.Load() != 1 {
		t.Fatalf("expected 1 probe, got %d", probes.Load())
	}

	// 4.9s later the observation is still fresh.
	now = now.Add(4900 * time.Millisecond)
	if _, err := prober.CheckHealth(context.Background(), w); err != nil {
		t.Fatalf("check health: %v", err)
	}
	if probes.Load() != 1 {
		t.Fatalf("expected cache hit, got %d probes", probes.Load())
	}

	// At the TTL boundary the entry is expired and re-probed.
	now = now.Add(200 * time.Millisecond)
	if _, err := prober.CheckHealth(context.Background(), w); err != nil {
		t.Fatalf("check health: %v", err)
	}
	if probes.Load() != 2 {
		t.Fatalf("expected re-probe after TTL, got %d probes", probes.Load())
	}
}

func TestCheckHealthCapacityClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		healthy  bool
		capacity int
	}{
		{name: "over max", body: `{"status":"ready","capacity":99}`, healthy: true, capacity: 5},
		{name: "negative", body: `{"status":"ready","capacity":-2}`, healthy: false, capacity: 0},
		{name: "zero capacity", body: `{"status":"ready","capacity":0}`, healthy: false, capacity: 0},
		{name: "busy status", body: `{"status":"busy","capacity":3}`, healthy: false, capacity: 3},
		{name: "ready with room", body: `{"status":"ready","capacity":2}`, healthy: true, capacity: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			prober := NewProber(2*time.Second, GatewayCredentials{}, NewHealthCache(time.Second))
			h, err := prober.CheckHealth(context.Background(), Worker{Location: LocationVM, URL: srv.URL})
			if err != nil {
				t.Fatalf("check health: %v", err)
			}
			if h.Healthy != tt.healthy || h.Capacity != tt.capacity {
				t.Errorf("got healthy=%v capacity=%d, want healthy=%v capacity=%d",
					h.Healthy, h.Capacity, tt.healthy, tt.capacity)
			}
		})
	}
}

func TestCheckHealthFailureClassification(t *testing.T) {
	t.Parallel()

	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		prober := NewProber(2*time.Second, GatewayCredentials{}, NewHealthCache(time.Second))
		_, err := prober.CheckHealth(context.Background(), Worker{Location: LocationMac, URL: srv.URL})
		if !errors.Is(err, ErrHealthCheckFailed) {
			t.Fatalf("expected ErrHealthCheckFailed, got %v", err)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}))
		defer srv.Close()

		prober := NewProber(2*time.Second, GatewayCredentials{}, NewHealthCache(time.Second))
		_, err := prober.CheckHealth(context.Background(), Worker{Location: LocationMac, URL: srv.URL})
		if !errors.Is(err, ErrHealthCheckFailed) {
			t.Fatalf("expected ErrHealthCheckFailed, got %v", err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // nothing listening anymore

		prober := NewProber(2*time.Second, GatewayCredentials{}, NewHealthCache(time.Second))
		_, err := prober.CheckHealth(context.Background(), Worker{Location: LocationVM, URL: srv.URL})
		if !errors.Is(err, ErrNetworkError) {
			t.Fatalf("expected ErrNetworkError, got %v", err)
		}
	})
}

func TestCheckHealthFailureNotCached(t *testing.T) {
	t.Parallel()

	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probes.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"ready","capacity":1}`)
	}))
	defer srv.Close()

	prober := NewProber(2*time.Second, GatewayCredentials{}, NewHealthCache(time.Minute))
	w := Worker{Location: LocationMac, URL: srv.URL}

	if _, err := prober.CheckHealth(context.Background(), w); !errors.Is(err, ErrHealthCheckFailed) {
		t.Fatalf("expected first probe to fail, got %v", err)
	}

	// The failure must not poison the cache; the retry probes again.
	h, err := prober.CheckHealth(context.Background(), w)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !h.Healthy {
		t.Fatalf("expected healthy after recovery, got %+v", h)
	}
	if probes.Load() != 2 {
		t.Fatalf("expected 2 probes, got %d", probes.Load())
	}
}

func TestCheckHealthSendsGatewayCredentials(t *testing.T) {
	t.Parallel()

	var gotID, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("CF-Access-Client-Id")
		gotSecret = r.Header.Get("CF-Access-Client-Secret")
		fmt.Fprint(w, `{"status":"ready","capacity":1}`)
	}))
	defer srv.Close()

	creds := GatewayCredentials{ClientID: "client-id", ClientSecret: "client-secret"}
	prober := NewProber(2*time.Second, creds, NewHealthCache(time.Second))
	if _, err := prober.CheckHealth(context.Background(), Worker{Location: LocationMac, URL: srv.URL}); err != nil {
		t.Fatalf("check health: %v", err)
	}
	if gotID != "client-id" || gotSecret != "client-secret" {
		t.Fatalf("expected gateway headers, got id=%q secret=%q", gotID, gotSecret)
	}
}
