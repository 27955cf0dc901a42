package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

func startPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := NewPool("test", size, nil)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestPool_Submit(t *testing.T) {
	p := startPool(t, 2)

	err := <-p.Submit(context.Background(), "ok", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = <-p.Submit(context.Background(), "fail", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPool_CoalescesQueuedKeys(t *testing.T) {
	p := startPool(t, 1)

	// Occupy the only worker so later submissions stay queued.
	release := make(chan struct{})
	blocker := p.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("shared")
	}
	first := p.Submit(context.Background(), "index", fn)
	second := p.Submit(context.Background(), "index", fn)

	close(release)
	require.NoError(t, <-blocker)

	err1 := <-first
	err2 := <-second
	assert.EqualError(t, err1, "shared")
	assert.Same(t, err1, err2)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPool_EmptyKeyNeverCoalesces(t *testing.T) {
	p := startPool(t, 1)

	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	a := p.Submit(context.Background(), "", fn)
	b := p.Submit(context.Background(), "", fn)
	require.NoError(t, <-a)
	require.NoError(t, <-b)
	assert.Equal(t, int32(2), runs.Load())
}

func TestPool_ResubmitWhileRunning(t *testing.T) {
	p := startPool(t, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	first := p.Submit(context.Background(), "k", func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})
	<-started

	second := p.Submit(context.Background(), "k", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	close(release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, int32(2), runs.Load())
}

func TestPool_CancelledContext(t *testing.T) {
	p := startPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := <-p.Submit(ctx, "k", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errdefs.IsCancelled(err))
	assert.False(t, called)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := startPool(t, 1)

	err := <-p.Submit(context.Background(), "k", func(ctx context.Context) error {
		panic("bad stage")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad stage")
}

func TestPool_StopFailsQueuedWork(t *testing.T) {
	p := NewPool("test", 1, nil)

	// Not started: work stays queued until Stop.
	ch := p.Submit(context.Background(), "k", func(ctx context.Context) error { return nil })
	p.Stop()
	assert.ErrorIs(t, <-ch, ErrStopped)

	assert.ErrorIs(t, <-p.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }), ErrStopped)
}

func TestPool_StopsWithContext(t *testing.T) {
	p := NewPool("test", 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		return errors.Is(<-p.Submit(context.Background(), "k", func(ctx context.Context) error { return nil }), ErrStopped)
	}, time.Second, 10*time.Millisecond)
}

func TestPool_Do(t *testing.T) {
	p := startPool(t, 1)

	require.NoError(t, p.Do(context.Background(), "k", func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	err := p.Do(ctx, "slow", func(context.Context) error {
		<-release
		return nil
	})
	assert.True(t, errdefs.IsCancelled(err))
}

func TestPools_Observer(t *testing.T) {
	ps := NewPools(2, 0, nil)
	assert.Equal(t, 1, ps.Indexer.Size())

	var mu sync.Mutex
	seen := map[string]int{}
	ps.SetObserver(func(pool string, _ time.Duration, _ error) {
		mu.Lock()
		seen[pool]++
		mu.Unlock()
	})
	ps.Start(context.Background())
	defer ps.Stop()

	require.NoError(t, <-ps.Compiler.Submit(context.Background(), "a", func(context.Context) error { return nil }))
	require.NoError(t, <-ps.Indexer.Submit(context.Background(), "b", func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["compiler"])
	assert.Equal(t, 1, seen["indexer"])
}

func TestPool_Started(t *testing.T) {
	p := NewPool("test", 1, nil)
	assert.False(t, p.Started())

	p.Start(context.Background())
	assert.True(t, p.Started())

	p.Stop()
	assert.False(t, p.Started())
}

func TestPool_RunInlineWhenNotStarted(t *testing.T) {
	p := NewPool("test", 1, nil)

	ran := false
	require.NoError(t, p.Run(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
