package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/ratelimit"
)

type stubAuthenticator struct {
	authorizeFn  func(ctx context.Context, req *Request) error
	invalidateFn func()
}

func (s stubAuthenticator) Authorize(ctx context.Context, req *Request) error {
	if s.authorizeFn == nil {
		return nil
	}
	return s.authorizeFn(ctx, req)
}

func (s stubAuthenticator) Invalidate() {
	if s.invalidateFn != nil {
		s.invalidateFn()
	}
}

func newTestClient(t *testing.T, server *httptest.Server, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithHTTPClient(server.Client()),
		WithRetry(2, time.Millisecond, 2*time.Millisecond),
	}, opts...)
	client, err := NewClient(core.SystemB, server.URL+"/admin/api/2024-01", opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClient_RetriesTransientStatusThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/admin/api/2024-01/products.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"products":[{"id":1}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	var out struct {
		Products []map[string]any `json:"products"`
	}
	if _, err := client.DoJSON(context.Background(), "fetch", Request{URL: "products.json"}, nil, &out); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(out.Products) != 1 {
		t.Fatalf("expected decoded products, got %+v", out)
	}
}

func TestClient_ExhaustedRetriesSurfaceTransientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).Do(context.Background(), "fetch", Request{URL: "orders.json"})
	if !core.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if core.IsUnreachable(err) {
		t.Fatalf("a 502 response is not an unreachable target")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d", calls)
	}
}

func TestClient_PermanentStatusIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":{"title":["can't be blank"]}}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server).Do(context.Background(), "create", Request{Method: http.MethodPost, URL: "products.json"})
	if !core.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestClient_NotFoundIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).Do(context.Background(), "get", Request{URL: "products/9.json"})
	if !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClient_UnreachableTargetIsMarked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := newTestClient(t, server)
	server.Close()

	_, err := client.Do(context.Background(), "ping", Request{URL: "shop.json"})
	if !core.IsUnreachable(err) {
		t.Fatalf("expected unreachable transient error, got %v", err)
	}
}

func TestClient_ReauthenticatesOnceAfterUnauthorized(t *testing.T) {
	var session atomic.Value
	session.Store("stale")
	var invalidations int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "B1SESSION=fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	auth := stubAuthenticator{
		authorizeFn: func(_ context.Context, req *Request) error {
			req.SetHeader("Cookie", "B1SESSION="+session.Load().(string))
			return nil
		},
		invalidateFn: func() {
			atomic.AddInt32(&invalidations, 1)
			session.Store("fresh")
		},
	}
	_, err := newTestClient(t, server, WithAuthenticator(auth)).Do(context.Background(), "update", Request{Method: http.MethodPatch, URL: "Items('A1')"})
	if err != nil {
		t.Fatalf("expected success after re-authentication, got %v", err)
	}
	if atomic.LoadInt32(&invalidations) != 1 {
		t.Fatalf("expected one invalidation, got %d", invalidations)
	}
}

func TestClient_SkipAuthBypassesAuthenticator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	auth := stubAuthenticator{authorizeFn: func(context.Context, *Request) error {
		t.Fatalf("authorize must not run for SkipAuth requests")
		return nil
	}}
	if _, err := newTestClient(t, server, WithAuthenticator(auth)).Do(context.Background(), "login", Request{Method: http.MethodPost, URL: "Login", SkipAuth: true}); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestClient_LearnsCallLimitIntoPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Shopify-Shop-Api-Call-Limit", "39/40")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := ratelimit.NewMemoryStateStore()
	policy := ratelimit.NewAdaptivePolicy(store)
	client := newTestClient(t, server, WithRateLimitPolicy(policy, "admin"), WithRequestsPerSecond(100))
	if _, err := client.Do(context.Background(), "fetch", Request{URL: "custom_collections.json"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	state, err := store.Get(context.Background(), ratelimit.Key{System: core.SystemB, Bucket: "admin"})
	if err != nil {
		t.Fatalf("expected stored state, got %v", err)
	}
	if state.Remaining != 1 || state.Limit != 40 {
		t.Fatalf("expected 1 of 40 remaining, got %d/%d", state.Remaining, state.Limit)
	}
}

func TestClient_CancelledContextStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, server).Do(ctx, "fetch", Request{URL: "orders.json"})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
