package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediator/internal/breaker"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 3, Cooldown: time.Minute})
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	require.Equal(t, breaker.Closed, b.State())

	require.NoError(t, b.Allow())
	b.Failure()
	require.Equal(t, breaker.Open, b.State())
	require.Error(t, b.Allow())
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	now := time.Now()
	clock := now
	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              func() time.Time { return clock },
	})
	require.NoError(t, b.Allow())
	b.Failure()
	require.Equal(t, breaker.Open, b.State())
	require.Error(t, b.Allow())

	clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow(), "cooldown elapsed should admit a probe")
	require.Equal(t, breaker.HalfOpen, b.State())
	require.Error(t, b.Allow(), "second caller must not also be treated as a probe")

	b.Success()
	require.Equal(t, breaker.Closed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := time.Now()
	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              func() time.Time { return clock },
	})
	require.NoError(t, b.Allow())
	b.Failure()
	clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	require.Equal(t, breaker.Open, b.State())
}

func TestBackoffRespectsCapAndStaysNonNegative(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		delay := breaker.Backoff(attempt, 100*time.Millisecond, time.Second)
		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, time.Second)
	}
}
