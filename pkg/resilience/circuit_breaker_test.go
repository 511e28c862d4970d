package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
)

var errUpstream = errors.New("upstream unavailable")

func testSettings() Settings {
	return Settings{
		Name:                    "test-upstream",
		FailureThresholdPercent: 50,
		MonitoringPeriod:        60 * time.Second,
		MinimumRequests:         5,
		ResetTimeout:            50 * time.Millisecond,
		HalfOpenMaxRequests:     3,
	}
}

func newTestBreaker(t *testing.T) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker(testSettings(), observability.NewNoopLogger())
	t.Cleanup(cb.Close)
	return cb
}

func succeed(ctx context.Context) error { return nil }
func fail(ctx context.Context) error    { return errUpstream }

// tripBreaker drives the breaker to Open with a mixed call pattern:
// four successes, then failures until the 50% rate is crossed
func tripBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := newTestBreaker(t)
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestBreakerPassesThroughOperationError(t *testing.T) {
	cb := newTestBreaker(t)

	err := cb.Execute(context.Background(), fail)
	assert.ErrorIs(t, err, errUpstream)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTripsOnFailureRate(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	// 3 failures out of 7 calls is under 50%: still closed
	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateClosed, cb.State())

	// The 4th failure makes it 4/8 = 50%: open
	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerMinimumRequestsGate(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	// 100% failure rate but below the request floor: no trip
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerOpenRejectsWithoutInvoking(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)

	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreakerTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)

	// The armed timer moves the breaker without any traffic
	require.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}

	assert.Equal(t, StateClosed, cb.State())

	// Recovery starts with a clean slate
	stats := cb.GetStats()
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Requests)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeed))
	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreakerHalfOpenConcurrencyCap(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)

	require.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	for i := 0; i < 3; i++ {
		<-started
	}

	// All trial slots taken: the next call is rejected
	err := cb.Execute(context.Background(), succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerWindowForgetsOldCalls(t *testing.T) {
	settings := testSettings()
	settings.MonitoringPeriod = 30 * time.Millisecond
	settings.MinimumRequests = 3
	cb := NewCircuitBreaker(settings, observability.NewNoopLogger())
	defer cb.Close()
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateClosed, cb.State())

	time.Sleep(50 * time.Millisecond)

	// Earlier failures have aged out of the window; one more is not enough
	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.GetStats().Requests)
}

func TestBreakerReset(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)

	cb.Reset()

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))

	stats := cb.GetStats()
	assert.Equal(t, "closed", stats.State)
	assert.Zero(t, stats.Failures)
	assert.True(t, stats.LastFailure.IsZero())
}

func TestBreakerGetStats(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	require.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)

	stats := cb.GetStats()
	assert.Equal(t, "test-upstream", stats.Name)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 2, stats.Requests)
	assert.InDelta(t, 50.0, stats.FailureRate, 1e-9)
	assert.False(t, stats.LastFailure.IsZero())
	assert.True(t, stats.NextAttempt.IsZero())
}

func TestBreakerStatsNextAttemptWhileOpen(t *testing.T) {
	cb := newTestBreaker(t)
	tripBreaker(t, cb)

	stats := cb.GetStats()
	assert.Equal(t, "open", stats.State)
	assert.False(t, stats.NextAttempt.IsZero())
}

func TestBreakerStateChangeListeners(t *testing.T) {
	cb := newTestBreaker(t)

	var mu sync.Mutex
	var transitions []string
	cb.OnStateChange(func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	})

	tripBreaker(t, cb)

	require.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestBreakerDo(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	t.Run("returns typed result", func(t *testing.T) {
		result, err := Do(ctx, cb, func(ctx context.Context) (string, error) {
			return "generated content", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "generated content", result)
	})

	t.Run("returns zero value on error", func(t *testing.T) {
		result, err := Do(ctx, cb, func(ctx context.Context) (int, error) {
			return 42, errUpstream
		})
		assert.ErrorIs(t, err, errUpstream)
		assert.Zero(t, result)
	})

	t.Run("returns zero value on rejection", func(t *testing.T) {
		tripped := newTestBreaker(t)
		tripBreaker(t, tripped)

		result, err := Do(ctx, tripped, func(ctx context.Context) (string, error) {
			return "never", nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Empty(t, result)
	})
}

func TestBreakerDefaultSettings(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "bare"}, nil)
	defer cb.Close()

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestBreakerGroup(t *testing.T) {
	group := NewBreakerGroup(testSettings(), observability.NewNoopLogger())
	defer group.Close()

	first := group.Get("model-provider")
	second := group.Get("model-provider")
	other := group.Get("embedding-provider")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)

	tripBreaker(t, first)

	stats := group.AllStats()
	require.Contains(t, stats, "model-provider")
	require.Contains(t, stats, "embedding-provider")
	assert.Equal(t, "open", stats["model-provider"].State)
	assert.Equal(t, "closed", stats["embedding-provider"].State)
}

func TestBreakerGroupConcurrentGet(t *testing.T) {
	group := NewBreakerGroup(testSettings(), observability.NewNoopLogger())
	defer group.Close()

	var wg sync.WaitGroup
	breakers := make([]*CircuitBreaker, 16)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = group.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range breakers[1:] {
		assert.Same(t, breakers[0], cb)
	}
}
