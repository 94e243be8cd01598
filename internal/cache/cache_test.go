package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrInitCachesValue(t *testing.T) {
	c := New[string, int](NoEviction[string]{})
	calls := 0

	for i := 0; i < 3; i++ {
		v, err := c.GetOrInit(context.Background(), "k", func(context.Context) (int, error) {
			calls++
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Len())
}

func TestGetOrInitConcurrentCallersShareOneLoad(t *testing.T) {
	c := New[string, int](NoEviction[string]{})

	var calls atomic.Int32
	release := make(chan struct{})

	const n = 16
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrInit(context.Background(), "k", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 7, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every goroutine a chance to reach the slot before the loader
	// finishes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 7, v)
	}
}

func TestGetOrInitErrorNotCached(t *testing.T) {
	c := New[string, int](NoEviction[string]{})
	boom := errors.New("boom")
	calls := 0

	_, err := c.GetOrInit(context.Background(), "k", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, err := c.GetOrInit(context.Background(), "k", func(context.Context) (int, error) {
		calls++
		return 5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, 2, calls)
}

func TestGetOrInitOptionalAbsenceNotCached(t *testing.T) {
	c := New[string, string](NoEviction[string]{})
	calls := 0

	_, ok, err := c.GetOrInitOptional(context.Background(), "k", func(context.Context) (string, bool, error) {
		calls++
		return "", false, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	v, ok, err := c.GetOrInitOptional(context.Background(), "k", func(context.Context) (string, bool, error) {
		calls++
		return "found", true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "found", v)
	assert.Equal(t, 2, calls)
}

func TestGetOrInitContextCancelledWhileWaiting(t *testing.T) {
	c := New[string, int](NoEviction[string]{})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = c.GetOrInit(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrInit(ctx, "k", func(context.Context) (int, error) {
		t.Fatal("second loader must not run")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestLRUPolicyBoundsResidency(t *testing.T) {
	policy, err := NewLRUPolicy[int](2)
	require.NoError(t, err)
	c := New[int, int](policy)

	load := func(v int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return v, nil }
	}

	for key := 1; key <= 4; key++ {
		_, err := c.GetOrInit(context.Background(), key, load(key*10))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	// Keys 3 and 4 are resident; 3 must hit without reloading.
	calls := 0
	v, err := c.GetOrInit(context.Background(), 3, func(context.Context) (int, error) {
		calls++
		return -1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 30, v)
	assert.Equal(t, 0, calls)

	// An evicted key reloads.
	v, err = c.GetOrInit(context.Background(), 1, load(100))
	require.NoError(t, err)
	assert.Equal(t, 100, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUPolicyTouchKeepsKeyWarm(t *testing.T) {
	policy, err := NewLRUPolicy[int](2)
	require.NoError(t, err)
	c := New[int, int](policy)

	load := func(v int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return v, nil }
	}

	_, err = c.GetOrInit(context.Background(), 1, load(10))
	require.NoError(t, err)
	_, err = c.GetOrInit(context.Background(), 2, load(20))
	require.NoError(t, err)

	// Touch 1, then insert 3: the eviction victim must be 2.
	_, err = c.GetOrInit(context.Background(), 1, load(-1))
	require.NoError(t, err)
	_, err = c.GetOrInit(context.Background(), 3, load(30))
	require.NoError(t, err)

	calls := 0
	v, err := c.GetOrInit(context.Background(), 1, func(context.Context) (int, error) {
		calls++
		return -1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Equal(t, 0, calls)
}
