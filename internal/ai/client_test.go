package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/assessly/assess-api/internal/errors"
)

func TestClassifyCallError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		require.NoError(t, ClassifyCallError(nil))
	})

	t.Run("deadline maps to ai timeout", func(t *testing.T) {
		err := ClassifyCallError(fmt.Errorf("post: %w", context.DeadlineExceeded))
		assert.True(t, apperrors.IsAITimeout(err))
		assert.False(t, apperrors.Retryable(err))
	})

	t.Run("cancellation maps to canceled", func(t *testing.T) {
		err := ClassifyCallError(context.Canceled)
		assert.True(t, apperrors.IsCanceled(err))
	})

	t.Run("api error maps to ai upstream", func(t *testing.T) {
		apiErr := &anthropic.Error{StatusCode: 529}
		err := ClassifyCallError(fmt.Errorf("call: %w", apiErr))
		assert.True(t, apperrors.IsAIUpstream(err))
		assert.False(t, apperrors.Retryable(err))
	})

	t.Run("network error maps to transport", func(t *testing.T) {
		err := ClassifyCallError(errors.New("dial tcp: connection refused"))
		assert.True(t, apperrors.IsTransport(err))
		assert.True(t, apperrors.Retryable(err))
	})
}

func TestNormalizeAnalysis(t *testing.T) {
	t.Run("valid json kept as is", func(t *testing.T) {
		got := normalizeAnalysis(`  {"risk": "low"}  `)
		assert.JSONEq(t, `{"risk": "low"}`, string(got))
	})

	t.Run("plain text wrapped", func(t *testing.T) {
		got := normalizeAnalysis("the payload looks fine")
		var wrapped map[string]string
		require.NoError(t, json.Unmarshal(got, &wrapped))
		assert.Equal(t, "the payload looks fine", wrapped["analysis"])
	})
}

func TestNewClient(t *testing.T) {
	t.Run("requires api key", func(t *testing.T) {
		_, err := NewClient(ClientOptions{})
		require.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		c, err := NewClient(ClientOptions{APIKey: "test-key"})
		require.NoError(t, err)
		assert.Equal(t, anthropic.Model(defaultModel), c.model)
		assert.Equal(t, int64(defaultMaxTokens), c.maxTokens)
		assert.Equal(t, defaultTimeout, c.timeout)
	})

	t.Run("rejects empty payload", func(t *testing.T) {
		c, err := NewClient(ClientOptions{APIKey: "test-key"})
		require.NoError(t, err)
		_, err = c.Infer(context.Background(), nil)
		assert.True(t, apperrors.IsValidation(err))
	})
}
