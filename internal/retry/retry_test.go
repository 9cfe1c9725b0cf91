package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"
)

func TestWithIntervalRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := WithInterval(context.Background(), Constant(time.Millisecond), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithIntervalStopsOnPermanentError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("fatal")
	err := WithInterval(context.Background(), Constant(time.Millisecond), func() error {
		attempts++
		return &backoff.PermanentError{Err: sentinel}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithIntervalStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithInterval(ctx, Constant(time.Millisecond), func() error {
		return errors.New("transient")
	})
	require.Error(t, err)
}
