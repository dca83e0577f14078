package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryRetryable, "retryable"},
		{CategoryFatal, "fatal"},
		{CategoryIndeterminate, "indeterminate"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryFatal},
		{"fatal", Fatal(errors.New("constraint"), "insert"), CategoryFatal},
		{"retryable", Retryable(errors.New("refused"), "insert"), CategoryRetryable},
		{"indeterminate", Indeterminate(errors.New("reset"), "insert"), CategoryIndeterminate},
		{"wrapped categorized", fmt.Errorf("outer: %w", Fatal(errors.New("x"), "")), CategoryFatal},
		{"timeout", &TimeoutError{Operation: "insert", Duration: time.Second}, CategoryRetryable},
		{"validation", &ValidationError{Field: "latitude", Message: "out of range"}, CategoryFatal},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CategoryRetryable},
		{"unknown", errors.New("something odd"), CategoryRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.err))
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("message with context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryRetryable, "insert event")
		assert.Equal(t, "insert event: failed (category: retryable, attempts: 0)", err.Error())
	})

	t.Run("message without context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryFatal, "")
		assert.Equal(t, "failed (category: fatal, attempts: 0)", err.Error())
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner")
		err := Retryable(inner, "ctx")
		assert.ErrorIs(t, err, inner)
	})
}

func TestWithRetryContext(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after retryable failures", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, Retryable(errors.New("busy"), "")
			}
			return 42, nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, 42, res.Value)
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("stops on fatal", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			return 0, Fatal(errors.New("bad"), "")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsFatal(res.Err))
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			return 0, errors.New("still down")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 3, res.Attempts)
		assert.Contains(t, res.Err.Error(), "max retries exceeded")
	})

	t.Run("honours cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			return 1, nil
		})
		require.Error(t, res.Err)
		assert.Equal(t, 0, res.Attempts)
	})
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(WithMaxAttempts(7), WithInitialBackoff(time.Second), WithMaxBackoff(time.Minute), WithJitter(0))
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)
	assert.Equal(t, time.Second, calculateBackoff(time.Second, cfg.Jitter))
}
