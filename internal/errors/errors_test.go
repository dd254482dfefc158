package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorError(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := Validation("payload is required")
		assert.Equal(t, "payload is required", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := Wrap(cause, ErrCodeInternal, "persisting result")
		assert.Equal(t, "persisting result: boom", err.Error())
		assert.True(t, errors.Is(err, cause))
	})
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"not found", NotFound("x"), IsNotFound},
		{"conflict", Conflict("x"), IsConflict},
		{"validation", Validation("x"), IsValidation},
		{"internal", Internal("x"), IsInternal},
		{"ai timeout", AITimeout("x"), IsAITimeout},
		{"ai upstream", AIUpstream("x"), IsAIUpstream},
		{"transport", Transport("x"), IsTransport},
		{"orphaned", Orphaned("x"), IsOrphaned},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.pred(tc.err))
			assert.False(t, tc.pred(errors.New("plain")))
		})
	}
}

func TestPredicatesThroughWrapping(t *testing.T) {
	inner := AITimeout("model call deadline exceeded")
	outer := fmt.Errorf("processing job abc: %w", inner)

	assert.True(t, IsAITimeout(outer))
	assert.Equal(t, ErrCodeAITimeout, GetCode(outer))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transport("redis unavailable")))
	assert.False(t, Retryable(AITimeout("deadline")))
	assert.False(t, Retryable(AIUpstream("overloaded")))
	assert.False(t, Retryable(Validation("bad payload")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeConflict, GetCode(Conflict("dup")))
	assert.Equal(t, ErrorCode(""), GetCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetCode(nil))
}

func TestMapDBError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		require.NoError(t, MapDBError(nil))
	})

	t.Run("no rows maps to not found", func(t *testing.T) {
		err := MapDBError(pgx.ErrNoRows)
		assert.True(t, IsNotFound(err))
	})

	t.Run("deadline maps to transport", func(t *testing.T) {
		err := MapDBError(fmt.Errorf("query: %w", context.DeadlineExceeded))
		assert.True(t, IsTransport(err))
	})

	t.Run("cancellation maps to canceled", func(t *testing.T) {
		err := MapDBError(context.Canceled)
		assert.True(t, IsCanceled(err))
	})

	t.Run("unique violation maps to conflict with field", func(t *testing.T) {
		pgErr := &pgconn.PgError{
			Code:   pgerrcode.UniqueViolation,
			Detail: "Key (user_id, idempotency_key)=(u1, k1) already exists.",
		}
		err := MapDBError(pgErr)
		assert.True(t, IsConflict(err))
		assert.Equal(t, "user_id, idempotency_key", GetField(err))
	})

	t.Run("foreign key violation", func(t *testing.T) {
		err := MapDBError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})
		assert.True(t, IsForeignKey(err))
	})

	t.Run("check violation maps to validation", func(t *testing.T) {
		err := MapDBError(&pgconn.PgError{Code: pgerrcode.CheckViolation, ColumnName: "status"})
		assert.True(t, IsValidation(err))
		assert.Equal(t, "status", GetField(err))
	})

	t.Run("connection failure maps to transport", func(t *testing.T) {
		err := MapDBError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure})
		assert.True(t, IsTransport(err))
	})

	t.Run("unknown pg error maps to internal", func(t *testing.T) {
		err := MapDBError(&pgconn.PgError{Code: pgerrcode.DivisionByZero})
		assert.True(t, IsInternal(err))
	})

	t.Run("unrecognized error returned unchanged", func(t *testing.T) {
		plain := errors.New("plain")
		assert.Equal(t, plain, MapDBError(plain))
	})
}
