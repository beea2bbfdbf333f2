package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterThrottlesPerHost(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
		r.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec.Code
	}

	if code := do("10.0.0.1:1234"); code != http.StatusOK {
		t.Errorf("first request = %d", code)
	}
	if code := do("10.0.0.1:5678"); code != http.StatusOK {
		t.Errorf("second request = %d", code)
	}
	if code := do("10.0.0.1:9999"); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}

	// Another host has its own bucket.
	if code := do("10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("other host = %d", code)
	}
}
