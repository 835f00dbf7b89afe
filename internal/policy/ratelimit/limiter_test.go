package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cabinet/internal/fetcher"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second token arrives after ~100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.4cdn.org/g/catalog.json"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.4cdn.org/g/archive.json"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.4cdn.org/boards.json"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://i.4cdn.org/g/1.png"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "https://a.4cdn.org/"))
	}
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "https://a.4cdn.org/"))
	cancel()
	require.Error(t, l.Wait(ctx, "https://a.4cdn.org/"))
}

func TestWrapDelegates(t *testing.T) {
	t.Parallel()

	calls := 0
	next := fetcher.Func(func(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
		calls++
		return fetcher.Response{URL: req.URL, StatusCode: 200}, nil
	})
	f := Wrap(New(Config{}), next)
	resp, err := f.Fetch(context.Background(), fetcher.Request{URL: "https://a.4cdn.org/boards.json"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, calls)
}
