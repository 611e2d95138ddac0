package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/common"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conflict", common.ErrConflict, true},
		{"wrapped conflict", fmt.Errorf("move: %w", common.ErrConflict), true},
		{"locked", errors.New("database is locked"), true},
		{"busy", errors.New("libsql: SQLITE_BUSY"), true},
		{"not found", common.ErrNotFound, false},
		{"io", common.ErrIO, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransactionRetryOptions(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("retries transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return common.ErrConflict
			}
			return nil
		}, TransactionRetryOptions(context.Background(), cfg)...)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			return common.ErrNotFound
		}, TransactionRetryOptions(context.Background(), cfg)...)
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero config falls back to defaults", func(t *testing.T) {
		t.Parallel()
		opts := TransactionRetryOptions(context.Background(), RetryConfig{})
		assert.NotEmpty(t, opts)
	})
}
