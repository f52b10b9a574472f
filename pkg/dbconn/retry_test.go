package dbconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync/pkg/synerr"
)

func testConfig() *Config {
	return &Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryableExecRetriesTransientErrorsUntilSuccess(t *testing.T) {
	attempts := 0
	err := RetryableExec(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &synerr.TransientError{Op: "query", Cause: errors.New("deadlock")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryableExecStopsAtMaxRetries(t *testing.T) {
	attempts := 0
	cause := errors.New("connection reset")
	err := RetryableExec(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		return &synerr.TransientError{Op: "query", Cause: cause}
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, synerr.Transient(err))
}

func TestRetryableExecDoesNotRetryNonTransientErrors(t *testing.T) {
	attempts := 0
	sentinel := errors.New("syntax error")
	err := RetryableExec(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}
