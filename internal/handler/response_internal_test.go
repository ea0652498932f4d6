package handler

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mfa-service/internal/service"
)

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind error
		want int
	}{
		{service.ErrValidation, http.StatusBadRequest},
		{service.ErrConflict, http.StatusBadRequest},
		{service.ErrAuthentication, http.StatusUnauthorized},
		{service.ErrForbidden, http.StatusForbidden},
		{service.ErrNotFound, http.StatusNotFound},
		{service.ErrRateLimited, http.StatusTooManyRequests},
		{service.ErrInternal, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(&service.Error{Kind: tt.kind}), tt.kind.Error())
	}
}

func TestRetrySeconds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, retrySeconds(0))
	assert.Equal(t, 1, retrySeconds(200*time.Millisecond))
	assert.Equal(t, 900, retrySeconds(15*time.Minute))
	assert.Equal(t, 61, retrySeconds(60*time.Second+time.Millisecond))
}
