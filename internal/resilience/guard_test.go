package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(timeout time.Duration) *Guard {
	return NewGuard(GuardConfig{
		Retry:   fastRetry(3),
		Circuit: CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
		Timeout: timeout,
	})
}

func TestCall_Success(t *testing.T) {
	g := testGuard(time.Second)
	got, err := Call(context.Background(), g, "smtp", "outreach", func(_ context.Context) (string, error) {
		return "msg-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", got)
}

func TestCall_RetriesTransient(t *testing.T) {
	g := testGuard(time.Second)
	calls := 0
	got, err := Call(context.Background(), g, "smtp", "outreach", func(_ context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, syscall.ECONNRESET
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 2, calls)
}

func TestCall_TimeoutEvenIfFnIgnoresContext(t *testing.T) {
	g := testGuard(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	_, err := Call(context.Background(), g, "calendar", "booking", func(_ context.Context) (string, error) {
		<-release
		return "late", nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ErrorTypeTimeout, ClassifyError(err))
	assert.False(t, IsTransient(err))
}

func TestCall_IgnoresCallerCancellation(t *testing.T) {
	g := testGuard(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := Call(ctx, g, "smtp", "outreach", func(ctx context.Context) (string, error) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "sent", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", got)
}

func TestCall_CircuitOpens(t *testing.T) {
	g := NewGuard(GuardConfig{
		Retry:   fastRetry(1),
		Circuit: CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
		Timeout: time.Second,
	})
	boom := NewTransientError(errors.New("calendar 503"), 503)
	for i := 0; i < 2; i++ {
		_, err := Call(context.Background(), g, "calendar", "followup", func(_ context.Context) (int, error) {
			return 0, boom
		})
		require.ErrorIs(t, err, boom)
	}

	_, err := Call(context.Background(), g, "calendar", "followup", func(_ context.Context) (int, error) {
		t.Fatal("should not be called when circuit is open")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "open", g.Breakers().States()["calendar"])
}

func TestCall_PermanentErrorsDoNotTrip(t *testing.T) {
	g := NewGuard(GuardConfig{
		Retry:   fastRetry(1),
		Circuit: CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour},
		Timeout: time.Second,
	})
	bad := errors.New("calendar 400")
	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), g, "calendar", "booking", func(_ context.Context) (int, error) {
			return 0, bad
		})
		require.ErrorIs(t, err, bad)
	}
	assert.Equal(t, "closed", g.Breakers().States()["calendar"])
}

func TestCall_RateLimited(t *testing.T) {
	g := NewGuard(GuardConfig{
		Retry:         fastRetry(1),
		RatePerSecond: 20,
		Burst:         1,
		Timeout:       time.Second,
	})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), g, "smtp", "outreach", func(_ context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
	}
	// Burst of 1 at 20/s means the third call waits roughly 100ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
