package crawler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cabinet/internal/entity"
)

func TestArchiveCacheRemembersResolutions(t *testing.T) {
	t.Parallel()

	cache, err := NewArchiveCache(CacheConfig{})
	require.NoError(t, err)

	var calls atomic.Int32
	fetch := func(context.Context) (entity.RawThread, error) {
		calls.Add(1)
		return entity.RawThread{No: 42}, nil
	}

	for range 3 {
		thread, ok, err := cache.Resolve(context.Background(), "g::42", fetch)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.EqualValues(t, 42, thread.No)
	}
	assert.EqualValues(t, 1, calls.Load())
	resolved, failed := cache.Len()
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 0, failed)
}

func TestArchiveCacheRemembersFailures(t *testing.T) {
	t.Parallel()

	cache, err := NewArchiveCache(CacheConfig{Size: 4})
	require.NoError(t, err)

	var calls atomic.Int32
	fetch := func(context.Context) (entity.RawThread, error) {
		calls.Add(1)
		return entity.RawThread{}, errors.New("404")
	}

	_, ok, err := cache.Resolve(context.Background(), "g::7", fetch)
	require.ErrorContains(t, err, "404")
	assert.False(t, ok)

	_, ok, err = cache.Resolve(context.Background(), "g::7", fetch)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, calls.Load())
}

func TestArchiveCacheFailuresExpire(t *testing.T) {
	t.Parallel()

	cache, err := NewArchiveCache(CacheConfig{FailureTTL: 20 * time.Millisecond})
	require.NoError(t, err)

	var calls atomic.Int32
	fetch := func(context.Context) (entity.RawThread, error) {
		if calls.Add(1) == 1 {
			return entity.RawThread{}, errors.New("timeout")
		}
		return entity.RawThread{No: 9}, nil
	}

	_, _, err = cache.Resolve(context.Background(), "g::9", fetch)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		thread, ok, err := cache.Resolve(context.Background(), "g::9", fetch)
		return err == nil && ok && thread.No == 9
	}, time.Second, 10*time.Millisecond)
}

func TestArchiveCacheSharesConcurrentFetches(t *testing.T) {
	t.Parallel()

	cache, err := NewArchiveCache(CacheConfig{})
	require.NoError(t, err)

	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context) (entity.RawThread, error) {
		calls.Add(1)
		<-release
		return entity.RawThread{No: 1}, nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := cache.Resolve(context.Background(), "g::1", fetch)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}
