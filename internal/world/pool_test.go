package world

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestWorkPoolRunsAllTasks(t *testing.T) {
	p := NewWorkPool("test", 4)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.True(t, p.Submit(func(ctx context.Context) {
			defer wg.Done()
			count.Inc()
		}))
	}
	wg.Wait()
	require.NoError(t, p.Close())

	assert.Equal(t, int32(100), count.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(100), stats.Done)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Busy)
	assert.Equal(t, 4, stats.Workers)
}

func TestWorkPoolCloseDrainsQueue(t *testing.T) {
	p := NewWorkPool("drain", 1)

	gate := make(chan struct{})
	var count atomic.Int32
	p.Submit(func(ctx context.Context) { <-gate })
	for i := 0; i < 10; i++ {
		p.Submit(func(ctx context.Context) { count.Inc() })
	}
	assert.Eventually(t, func() bool { return p.Stats().Queued == 10 && p.Stats().Busy == 1 },
		time.Second, time.Millisecond)

	closed := make(chan error)
	go func() { closed <- p.Close() }()

	// Пока первая задача висит, Close не возвращается
	select {
	case <-closed:
		t.Fatal("Close вернулся до выполнения очереди")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)

	require.NoError(t, <-closed)
	assert.Equal(t, int32(10), count.Load())
	assert.False(t, p.Submit(func(ctx context.Context) {}), "закрытый пул не принимает задачи")
	assert.ErrorIs(t, p.Close(), ErrPoolClosed)
}

func TestWorkPoolRecoversPanic(t *testing.T) {
	p := NewWorkPool("panic", 1)

	done := make(chan struct{})
	p.Submit(func(ctx context.Context) { panic("бум") })
	p.Submit(func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("пул остановился после паники")
	}
	require.NoError(t, p.Close())
	assert.Equal(t, uint64(1), p.Stats().Panics)
}

func TestWorkPoolMinimumWorkers(t *testing.T) {
	p := NewWorkPool("zero", 0)
	defer p.Close()
	assert.Equal(t, 1, p.Stats().Workers)
	assert.Equal(t, "zero", p.Name())
}
