package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) *Policy {
	return NewPolicy(attempts, time.Millisecond, 5*time.Millisecond, 2).WithRandomization(0)
}

func TestExecuteSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := fastPolicy(4).Execute(context.Background(), func(int) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestExecuteWithConditionStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("mapper_parsing_exception")
	calls := 0
	err := fastPolicy(5).ExecuteWithCondition(context.Background(), func(int) error {
		calls++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(3, time.Hour, time.Hour, 2)

	err := p.Execute(ctx, func(int) error {
		cancel()
		return errors.New("unavailable")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayGrowsAndIsCapped(t *testing.T) {
	p := NewPolicy(10, 100*time.Millisecond, 500*time.Millisecond, 2).WithRandomization(0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{8, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.GetDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	p := NewPolicy(3, 100*time.Millisecond, time.Second, 2)
	for i := 0; i < 50; i++ {
		d := p.GetDelay(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
