package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusByKind(t *testing.T) {
	cases := map[*Error]int{
		Authentication("A", "a"): http.StatusUnauthorized,
		Authorization("B", "b"):  http.StatusForbidden,
		NotFound("C", "c"):       http.StatusNotFound,
		Conflict("D", "d"):       http.StatusConflict,
		Validation("E", "e"):     http.StatusBadRequest,
		RateLimit("F", "f"):      http.StatusTooManyRequests,
		Internal(nil):            http.StatusInternalServerError,
	}
	for err, status := range cases {
		assert.Equal(t, status, err.Status(), err.Code)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := Authentication("TOKEN_EXPIRED", "token has expired")
	enriched := sentinel.WithDetails(map[string]any{"expiredAt": "yesterday"})
	wrapped := fmt.Errorf("verify: %w", enriched)

	assert.True(t, errors.Is(wrapped, sentinel))
	assert.False(t, errors.Is(wrapped, Authentication("TOKEN_MALFORMED", "bad")))
	assert.Nil(t, sentinel.Details, "WithDetails must not mutate the sentinel")
}

func TestFromClassifiesUnknownAsInternal(t *testing.T) {
	cause := errors.New("boom")
	got := From(cause)
	require.NotNil(t, got)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, got, cause)
	assert.Nil(t, From(nil))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(Validation("X", "x")))
	assert.False(t, IsClientError(errors.New("db down")))
}
