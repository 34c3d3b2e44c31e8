package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAndStops(t *testing.T) {
	testlog.Start(t)

	var sum atomic.Int64
	p, err := NewPool(4, 100, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		if n%10 == 0 {
			return errors.New("multiple of ten")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 1; i <= 50; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(2*time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, int64(1275), sum.Load())
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
}

func TestPoolDropsWhenFull(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	p, err := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Submit(0), ErrPoolNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Submit(1))
	// wait for the worker to take the first item so the queue slot frees up
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))
	assert.ErrorIs(t, p.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoolMetrics(t *testing.T) {
	testlog.Start(t)

	reg := prometheus.NewRegistry()
	p, err := NewPool(2, 10, func(context.Context, string) error { return nil }, WithMetrics[string](reg, "test"))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit("a"))
	require.NoError(t, p.Submit("b"))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.items.WithLabelValues("ok")))
}

func TestNewPoolNilProcessor(t *testing.T) {
	testlog.Start(t)

	_, err := NewPool[int](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPoolRecoversProcessorPanic(t *testing.T) {
	testlog.Start(t)

	var ok atomic.Int64
	p, err := NewPool(1, 10, func(_ context.Context, n int) error {
		if n == 0 {
			var buf []byte
			_ = buf[n]
		}
		ok.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(0))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), ok.Load())
}
