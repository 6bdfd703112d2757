package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterStore_AllowBurst(t *testing.T) {
	s := NewLimiterStore(1, 2, time.Minute)
	defer s.Stop()

	assert.True(t, s.Allow("user:1"))
	assert.True(t, s.Allow("user:1"))
	assert.False(t, s.Allow("user:1"), "third request should exceed burst")
	assert.True(t, s.Allow("user:2"), "limits are per key")
}

func TestLimiterStore_PerUser(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()

	h := s.PerUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func() int {
		r := httptest.NewRequest(http.MethodPost, "/api/events/1/messages", nil)
		r = r.WithContext(WithIdentity(context.Background(), 5, "host"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
