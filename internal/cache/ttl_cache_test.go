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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	loads  atomic.Int32
	errors atomic.Int32
}

func (o *countingObserver) ObserveCacheLoad(_ string, err error) {
	o.loads.Add(1)
	if err != nil {
		o.errors.Add(1)
	}
}

func TestTTLCache_ServesSnapshotUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	var version atomic.Int32

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		return int(version.Load()), nil
	}, func() time.Duration { return time.Minute }, WithClock(clock.Now))

	version.Store(1)
	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	// store muda por baixo, mas o TTL ainda não venceu
	version.Store(2)
	clock.Advance(59 * time.Second)
	value, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	clock.Advance(2 * time.Second)
	value, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}

func TestTTLCache_InvalidateForcesReload(t *testing.T) {
	clock := newFakeClock()
	var version atomic.Int32
	version.Store(1)

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		return int(version.Load()), nil
	}, func() time.Duration { return time.Hour }, WithClock(clock.Now))

	value, _ := c.Get(context.Background())
	assert.Equal(t, 1, value)

	version.Store(2)
	c.Invalidate()

	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}

func TestTTLCache_SingleFlight(t *testing.T) {
	var loads atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	c := NewTTLCache("test", func(ctx context.Context) (string, error) {
		loads.Add(1)
		once.Do(func() { close(started) })
		<-release
		return "loaded", nil
	}, func() time.Duration { return time.Hour })

	const callers = 50
	var wg sync.WaitGroup
	results := make([]string, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Get(context.Background())
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Get(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, result := range results {
		assert.Equal(t, "loaded", result)
	}
}

func TestTTLCache_CallerCancellationDoesNotAbortLoad(t *testing.T) {
	release := make(chan struct{})
	var loadCtxErr atomic.Value

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		<-release
		if ctx.Err() != nil {
			loadCtxErr.Store(ctx.Err())
		}
		return 7, nil
	}, func() time.Duration { return time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		done <- err
	}()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool {
		_, ok := c.Peek()
		return ok
	}, time.Second, 5*time.Millisecond)

	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.Nil(t, loadCtxErr.Load())
}

func TestTTLCache_FailureKeepsLastKnownGood(t *testing.T) {
	clock := newFakeClock()
	observer := &countingObserver{}
	var fail atomic.Bool

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		if fail.Load() {
			return 0, errors.New("store down")
		}
		return 42, nil
	}, func() time.Duration { return time.Minute },
		WithClock(clock.Now), WithRetryAfterFailure(10*time.Second), WithObserver(observer))

	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	fail.Store(true)
	clock.Advance(2 * time.Minute)

	value, err = c.Get(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 42, value)

	// dentro da janela de retry o snapshot é servido sem novo load
	clock.Advance(5 * time.Second)
	value, err = c.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, int32(2), observer.loads.Load())

	clock.Advance(6 * time.Second)
	_, err = c.Get(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(3), observer.loads.Load())
	assert.Equal(t, int32(2), observer.errors.Load())
}

func TestTTLCache_FailureWithoutSnapshot(t *testing.T) {
	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		return 0, errors.New("store down")
	}, func() time.Duration { return time.Minute })

	value, err := c.Get(context.Background())
	assert.Error(t, err)
	assert.Zero(t, value)

	_, ok := c.Peek()
	assert.False(t, ok)
}

func TestTTLCache_FailureWithoutSnapshotBacksOff(t *testing.T) {
	clock := newFakeClock()
	observer := &countingObserver{}
	var fail atomic.Bool
	fail.Store(true)

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		if fail.Load() {
			return 0, errors.New("store down")
		}
		return 7, nil
	}, func() time.Duration { return time.Minute },
		WithClock(clock.Now), WithRetryAfterFailure(10*time.Second), WithObserver(observer))

	_, err := c.Get(context.Background())
	require.Error(t, err)

	// durante a janela de retry o erro é repetido sem tocar o store
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		value, err := c.Get(context.Background())
		assert.EqualError(t, err, "store down")
		assert.Zero(t, value)
	}
	assert.Equal(t, int32(1), observer.loads.Load())

	fail.Store(false)
	clock.Advance(6 * time.Second)
	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.Equal(t, int32(2), observer.loads.Load())
}

func TestTTLCache_InvalidateSkipsFailureBackoff(t *testing.T) {
	clock := newFakeClock()
	var loads atomic.Int32
	var fail atomic.Bool
	fail.Store(true)

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		loads.Add(1)
		if fail.Load() {
			return 0, errors.New("store down")
		}
		return 9, nil
	}, func() time.Duration { return time.Minute }, WithClock(clock.Now))

	_, err := c.Get(context.Background())
	require.Error(t, err)

	fail.Store(false)
	c.Invalidate()

	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, value)
	assert.Equal(t, int32(2), loads.Load())
}

func TestTTLCache_InvalidateDuringLoadTriggersAnotherLoad(t *testing.T) {
	var loads atomic.Int32
	inLoad := make(chan struct{})
	release := make(chan struct{})

	c := NewTTLCache("test", func(ctx context.Context) (int, error) {
		n := loads.Add(1)
		if n == 1 {
			close(inLoad)
			<-release
		}
		return int(n), nil
	}, func() time.Duration { return time.Hour })

	done := make(chan int, 1)
	go func() {
		value, _ := c.Get(context.Background())
		done <- value
	}()

	<-inLoad
	c.Invalidate()
	close(release)
	assert.Equal(t, 1, <-done)

	value, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}

func TestTTLCache_ZeroTTLReloadsEveryRead(t *testing.T) {
	var loads atomic.Int32

	c := NewTTLCache("test", func(ctx context.Context) (int32, error) {
		return loads.Add(1), nil
	}, func() time.Duration { return 0 })

	first, _ := c.Get(context.Background())
	second, _ := c.Get(context.Background())

	assert.Equal(t, int32(1), first)
	assert.Equal(t, int32(2), second)
}
