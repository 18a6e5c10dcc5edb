package embedcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrComputeCachesResult(t *testing.T) {
	c := New(10, time.Hour)
	var calls int32
	compute := func(ctx context.Context, text string) ([]float32, error) {
		atomic.AddInt32(&calls, 1)
		return []float32{1, 2, 3}, nil
	}

	fp := Fingerprint("remote", "hello")
	v1, err := c.GetOrCompute(context.Background(), fp, "hello", compute)
	require.NoError(t, err)
	v2, err := c.GetOrCompute(context.Background(), fp, "hello", compute)
	require.NoError(t, err)

	require.Equal(t, v1, v2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrComputeDedupsConcurrentCallers(t *testing.T) {
	c := New(10, time.Hour)
	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context, text string) ([]float32, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []float32{9}, nil
	}

	fp := Fingerprint("remote", "concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrCompute(context.Background(), fp, "concurrent", compute)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEvictionRespectsMaxEntries(t *testing.T) {
	c := New(2, time.Hour)
	compute := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0}, nil
	}
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.GetOrCompute(context.Background(), Fingerprint("local", text), text, compute)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Len())
}

func TestEvictExpiredRemovesStaleEntries(t *testing.T) {
	c := New(10, time.Millisecond)
	compute := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0}, nil
	}
	_, err := c.GetOrCompute(context.Background(), Fingerprint("local", "x"), "x", compute)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	c.evictExpired()
	require.Equal(t, 0, c.Len())
}
