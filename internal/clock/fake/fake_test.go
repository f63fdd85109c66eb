package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClockAdvancesOnSleep covers the default advancing mode.
func TestClockAdvancesOnSleep(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	require.NoError(t, clk.Sleep(context.Background(), 3*time.Second))
	assert.Equal(t, start.Add(3*time.Second), clk.Now())
	assert.Equal(t, []time.Duration{3 * time.Second}, clk.Sleeps())

	clk.Advance(time.Minute)
	assert.Equal(t, start.Add(63*time.Second), clk.Now())
}

// TestFrozenClock records sleeps without moving time.
func TestFrozenClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFrozen(start)
	require.NoError(t, clk.Sleep(context.Background(), time.Hour))
	assert.Equal(t, start, clk.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, clk.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, clk.Sleeps(), 1)
}
