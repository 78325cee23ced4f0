package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/botfleet/backend/internal/gateway"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	// Other clients are unaffected.
	assert.True(t, rl.Allow("10.0.0.2"))

	// A fresh window clears the count.
	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/webhooks/payments", nil)
	req.RemoteAddr = "192.168.1.5:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestDecisionOutcome(t *testing.T) {
	cases := []struct {
		d    gateway.Decision
		want string
	}{
		{gateway.Decision{Allowed: true}, "permit"},
		{gateway.Decision{Allowed: true, Grace: true}, "permit_grace"},
		{gateway.Decision{Reason: gateway.ReasonInsufficientCredits}, "insufficient_credits"},
		{gateway.Decision{Reason: gateway.ReasonCreditsExhausted}, "credits_exhausted"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, decisionOutcome(c.d))
	}
}
