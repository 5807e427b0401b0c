package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceErrorHandling(t *testing.T) {
	t.Run("BasicError", func(t *testing.T) {
		err := NewError(ErrorTypeConfig, "Test configuration error")
		assert.Equal(t, ErrorTypeConfig, err.Type)
		assert.Equal(t, "[config] Test configuration error", err.Error())
	})

	t.Run("ErrorWrapping", func(t *testing.T) {
		originalErr := fmt.Errorf("original error")
		wrappedErr := WrapError(ErrorTypeRetrieval, "rpc failed", originalErr)

		assert.Same(t, originalErr, wrappedErr.Unwrap())
		assert.True(t, errors.Is(wrappedErr, originalErr))
		assert.Equal(t, "[retrieval] rpc failed: original error", wrappedErr.Error())
	})

	t.Run("ContextAddition", func(t *testing.T) {
		err := NewEvaluationError("reentrancy", 42, errors.New("stack underflow"))
		assert.Equal(t, uint64(42), err.Context["step"])
	})

	t.Run("IsByType", func(t *testing.T) {
		err := fmt.Errorf("session: %w", NewParsingError("bad rule", nil))
		assert.True(t, IsType(err, ErrorTypeParsing))
		assert.False(t, IsType(err, ErrorTypeEvaluation))
		assert.True(t, errors.Is(err, NewError(ErrorTypeParsing, "")))
	})

	t.Run("RetrievalContext", func(t *testing.T) {
		err := NewRetrievalError("0xabc", errors.New("timeout"))
		assert.Equal(t, "0xabc", err.Context["transaction"])
		assert.True(t, IsType(err, ErrorTypeRetrieval))
	})
}
