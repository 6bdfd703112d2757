package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeValidator struct {
	tokens map[string]int64
}

func (f *fakeValidator) ValidateToken(tok string) (int64, string, error) {
	id, ok := f.tokens[tok]
	if !ok {
		return 0, "", errors.New("bad token")
	}
	return id, "player", nil
}

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware(&fakeValidator{tokens: map[string]int64{"good": 7}})

	var gotID int64
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		build  func() *http.Request
		status int
		userID int64
	}{
		{
			name: "bearer header",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
				r.Header.Set("Authorization", "Bearer good")
				return r
			},
			status: http.StatusNoContent,
			userID: 7,
		},
		{
			name: "query fallback",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/ws?token=good", nil)
			},
			status: http.StatusNoContent,
			userID: 7,
		},
		{
			name: "missing token",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "invalid token",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
				r.Header.Set("Authorization", "Bearer nope")
				return r
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID = 0
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.build())
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.userID, gotID)
		})
	}
}
