package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"docqa/types"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: empty question", types.ErrMalformedInput), fiber.StatusBadRequest},
		{fmt.Errorf("get: %w", types.ErrNotFound), fiber.StatusNotFound},
		{fmt.Errorf("%w: timeout", types.ErrEmbeddingUnavailable), fiber.StatusServiceUnavailable},
		{fmt.Errorf("%w: search: conn refused", types.ErrIndexUnavailable), fiber.StatusServiceUnavailable},
		{fmt.Errorf("%w: status 500", types.ErrGenerationFailed), fiber.StatusBadGateway},
		{fiber.NewError(fiber.StatusMethodNotAllowed, "nope"), fiber.StatusMethodNotAllowed},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, fromDomain(tt.err).Code, tt.err.Error())
	}
	assert.Equal(t, "internal server error", fromDomain(errors.New("pq: secret detail")).Message)
}
