package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker() (*CircuitBreaker, *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	cb.now = clk.Now
	return cb, clk
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, 1, cb.Stats().Rejected)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clk.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
}

func TestCircuitBreaker_LimitsHalfOpenProbes(t *testing.T) {
	cb, clk := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
	close(release)
	require.NoError(t, <-done)
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, cb.Execute(canceled, succeed), context.Canceled)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker()
	changes := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) { changes <- [2]State{from, to} })

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	select {
	case c := <-changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, c)
	case <-time.After(time.Second):
		t.Fatal("no state change reported")
	}

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteWithResult(t *testing.T) {
	cb, _ := newTestBreaker()
	n, err := ExecuteWithResult(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
