package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := New[int](nil)
	defer sub.Cancel()

	// more items than the output buffer holds
	for i := 0; i < 100; i++ {
		sub.Send(i)
	}
	for i := 0; i < 100; i++ {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	detached := 0
	sub := New[string](func() { detached++ })

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 1, detached)

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestSubscriptionNextHonoursContext(t *testing.T) {
	sub := New[string](nil)
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
