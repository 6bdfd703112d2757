package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid argument", InvalidArg("bad"), http.StatusBadRequest},
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"forbidden", Forbidden("no"), http.StatusForbidden},
		{"unauthenticated", Unauthorized("who"), http.StatusUnauthorized},
		{"rate limited", RateLimited("slow down"), http.StatusTooManyRequests},
		{"wrapped twice", fmt.Errorf("handler: %w", NotFound("event not found")), http.StatusNotFound},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestWriteJSON_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, Internal("failed to save message", errors.New("pq: connection refused")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal server error", body["error"])
}

func TestWriteJSON_ClientError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, InvalidArg("content cannot be empty"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "content cannot be empty", body["error"])
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(CodeInternal, "outer", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "outer: root", err.Error())
}
