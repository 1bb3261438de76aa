package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketFirstCallIsImmediate(t *testing.T) {
	tb := NewTokenBucket(time.Hour, 1)
	defer tb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, tb.Wait(ctx))
}

func TestTokenBucketHonoursCancel(t *testing.T) {
	tb := NewTokenBucket(time.Hour, 1)
	defer tb.Stop()
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(5*time.Millisecond, 2)
	defer tb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, tb.Wait(ctx))
	}
}
