package opensearch

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsStatusError_UnwrapsWrappedErrors(t *testing.T) {
	se := &StatusError{StatusCode: http.StatusTooManyRequests, Body: "busy"}
	wrapped := fmt.Errorf("delete chunks: %w", se)

	var target *StatusError
	assert.True(t, asStatusError(wrapped, &target))
	assert.Equal(t, http.StatusTooManyRequests, target.StatusCode)

	target = nil
	assert.False(t, asStatusError(errors.New("connection refused"), &target))
	assert.Nil(t, target)
}
