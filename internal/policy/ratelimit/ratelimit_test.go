package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://dir.example.com/submit"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitThrottlesPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{PerDomainRPS: 20, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/x"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example.com/x"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A different domain has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/x"))
	require.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{GlobalRPS: 0.1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://a.example.com/x"))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://a.example.com/x")
	require.Error(t, err)
}
