package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMemoryLimiterUnderLimit(t *testing.T) {
	store := NewMemoryLimiter()
	limit := Limit{PerMinute: 600, Burst: 10}

	allowed, err := store.Allow(context.Background(), "agent-1", limit, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("first request must pass")
	}
}

func TestMemoryLimiterExhaustsBurst(t *testing.T) {
	store := NewMemoryLimiter()
	limit := Limit{PerMinute: 1, Burst: 2}

	for i := 0; i < 2; i++ {
		allowed, err := store.Allow(context.Background(), "agent-1", limit, 1)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d must pass within burst", i)
		}
	}

	allowed, err := store.Allow(context.Background(), "agent-1", limit, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("request beyond burst must be throttled")
	}

	// Another caller has its own bucket.
	allowed, err = store.Allow(context.Background(), "agent-2", limit, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("separate caller must not share the exhausted bucket")
	}
}

func TestRateLimitMiddlewareThrottles(t *testing.T) {
	store := NewMemoryLimiter()
	mw := RateLimitMiddleware(store, Limit{PerMinute: 1, Burst: 1})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	id := &Identity{PrincipalID: "agent-1", Method: MethodAPIKey}
	request := func() *http.Request {
		r := httptest.NewRequest("POST", "/v1/execute", nil)
		return r.WithContext(WithIdentity(r.Context(), id))
	}

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, request())
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w1.Code)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, request())
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestRateLimitMiddlewareKeysByPrincipal(t *testing.T) {
	store := NewMemoryLimiter()
	mw := RateLimitMiddleware(store, Limit{PerMinute: 1, Burst: 1})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(principal string) int {
		r := httptest.NewRequest("POST", "/v1/execute", nil)
		r = r.WithContext(WithIdentity(r.Context(), &Identity{PrincipalID: principal}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	if code := send("agent-1"); code != http.StatusOK {
		t.Fatalf("agent-1 first request: %d", code)
	}
	if code := send("agent-1"); code != http.StatusTooManyRequests {
		t.Fatalf("agent-1 second request: %d, want 429", code)
	}
	if code := send("agent-2"); code != http.StatusOK {
		t.Fatalf("agent-2 must have its own bucket: %d", code)
	}
}

func TestRateLimitMiddlewareNilStorePassesThrough(t *testing.T) {
	mw := RateLimitMiddleware(nil, Limit{PerMinute: 1, Burst: 1})
	called := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/v1/execute", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if called != 3 {
		t.Fatalf("called = %d, want 3", called)
	}
}
