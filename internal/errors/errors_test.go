package errors

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

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeValidationFailed, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeStorageUnavailable, http.StatusServiceUnavailable},
		{CodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := &AppError{Code: tt.code, Message: "m"}
			assert.Equal(t, tt.want, e.HTTPStatus())
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	e := NewStorageUnavailable("upload failed", cause)

	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "STORAGE_UNAVAILABLE")
	assert.Contains(t, e.Error(), "disk full")
}

func TestAsAppError(t *testing.T) {
	t.Run("passes through app errors", func(t *testing.T) {
		orig := NewNotFound("job not found")
		wrapped := fmt.Errorf("handler: %w", orig)

		got := AsAppError(wrapped)
		assert.Equal(t, orig, got)
	})

	t.Run("wraps unknown errors as internal", func(t *testing.T) {
		got := AsAppError(errors.New("boom"))
		assert.Equal(t, CodeInternal, got.Code)
	})
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/alice/1", nil)
	rec := httptest.NewRecorder()

	err := NewNotFound("job not found").WithDetails(map[string]any{
		"username": "alice",
	})
	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "job not found", body.Error.Message)
	assert.Equal(t, "alice", body.Error.Details["username"])
}
