package resilience

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

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock, opts ...Option) *Registry {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRegistry(DefaultSettings(), opts...)
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("aliexpress")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateClosed, b.State(), "after %d failures", i+1)
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("paypal")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}

	clock.Advance(10 * time.Second)
	var calls int
	err := b.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})

	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "paypal", coe.Name)
	assert.Equal(t, 50*time.Second, coe.RetryAfter)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.True(t, IsCircuitOpen(err))
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("marketplace")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(60 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var calls int
	err := b.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 0, calls)
	assert.Error(t, b.Allow())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.SuccessCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("tracking")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(61 * time.Second)

	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, ok)
	assert.True(t, IsCircuitOpen(err))
}

func TestBreaker_FailureWindowResets(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("trends")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(300 * time.Second)
	_ = b.Execute(ctx, fail)

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestBreaker_SnapshotDoesNotMoveWindow(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("trends")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(300 * time.Second)

	before := b.lastReset
	assert.Equal(t, 0, b.Snapshot().FailureCount)
	assert.Equal(t, before, b.lastReset)
	assert.Equal(t, 4, b.failureCount)
}

func TestBreaker_AcquireHoldsTrialUntilDone(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("aliexpress")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(60 * time.Second)

	a, err := b.Acquire()
	require.NoError(t, err)
	assert.True(t, IsCircuitOpen(b.Execute(ctx, ok)))

	a.Done(nil)
	a.Done(errBoom)
	snap := b.Snapshot()
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, 1, snap.SuccessCount)
}

func TestBreaker_ReleaseCountsNothing(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("aliexpress")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(60 * time.Second)

	a, err := b.Acquire()
	require.NoError(t, err)
	a.Release()

	snap := b.Snapshot()
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, 0, snap.SuccessCount)
	require.NoError(t, b.Execute(ctx, ok), "released trial slot is free again")
}

func TestBreaker_CancellationIsNotFailure(t *testing.T) {
	clock := newFakeClock()
	b := newTestRegistry(clock).Get("aliexpress")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func(context.Context) error {
			return context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = r.Execute(ctx, "paypal", fail)
	}
	require.Equal(t, StateOpen, r.Get("paypal").State())

	assert.True(t, r.Reset("paypal"))
	assert.Equal(t, StateClosed, r.Get("paypal").State())
	assert.NoError(t, r.Execute(ctx, "paypal", ok))
	assert.False(t, r.Reset("unknown"))
}

func TestRegistry_ReusesBreakers(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	assert.Same(t, r.Get("paypal"), r.Get("paypal"))
	assert.NotSame(t, r.Get("paypal"), r.Get("aliexpress"))
}

func TestRegistry_Overrides(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, WithOverrides(map[string]Settings{
		"paypal": {FailureThreshold: 1, Timeout: time.Second},
	}))
	ctx := context.Background()

	_ = r.Execute(ctx, "paypal", fail)
	assert.Equal(t, StateOpen, r.Get("paypal").State())

	_ = r.Execute(ctx, "aliexpress", fail)
	assert.Equal(t, StateClosed, r.Get("aliexpress").State())

	clock.Advance(time.Second)
	assert.NoError(t, r.Allow("paypal"))
}

func TestRegistry_ObserverAndSnapshots(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	r := newTestRegistry(clock, WithObserver(func(name string, from, to State) {
		transitions = append(transitions, name+":"+string(from)+"->"+string(to))
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = r.Execute(ctx, "marketplace", fail)
	}
	_ = r.Execute(ctx, "aliexpress", ok)

	assert.Equal(t, []string{"marketplace:CLOSED->OPEN"}, transitions)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "aliexpress", snaps[0].Name)
	assert.Equal(t, StateClosed, snaps[0].State)
	assert.Equal(t, "marketplace", snaps[1].Name)
	assert.Equal(t, StateOpen, snaps[1].State)
	assert.Equal(t, 5, snaps[1].FailureCount)
}

func TestCall_ReturnsValue(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	got, err := Call(context.Background(), r, "tracking", func(context.Context) (string, error) {
		return "in-transit", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "in-transit", got)

	got, err = Call(context.Background(), r, "tracking", func(context.Context) (string, error) {
		return "partial", errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, got)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1000})
	ctx := context.Background()
	var calls atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Execute(ctx, "aliexpress", func(context.Context) error {
				calls.Add(1)
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(100), calls.Load())
	assert.Equal(t, 50, r.Get("aliexpress").Snapshot().FailureCount)
}
