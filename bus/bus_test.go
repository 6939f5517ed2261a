package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_FanOutToAllSubscribers(t *testing.T) {
	b := New[int]()
	s1, err := b.Subscribe(4, Block)
	require.NoError(t, err)
	s2, err := b.Subscribe(4, Block)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), 42))

	require.Equal(t, 42, <-s1.C())
	require.Equal(t, 42, <-s2.C())
}

func TestBus_BlockPolicyAppliesBackpressure(t *testing.T) {
	b := New[int]()
	sub, err := b.Subscribe(1, Block)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, 2) // buffer full, subscriber not draining -> blocks until ctx deadline
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, 1, <-sub.C())
}

func TestBus_DropOldestEvictsToMakeRoom(t *testing.T) {
	b := New[int]()
	sub, err := b.Subscribe(1, DropOldest)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), 1))
	require.NoError(t, b.Publish(context.Background(), 2))

	require.Equal(t, 2, <-sub.C())
}

func TestBus_FailPolicyReturnsErrWithoutBlocking(t *testing.T) {
	b := New[int]()
	sub, err := b.Subscribe(1, Fail)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), 1))
	err = b.Publish(context.Background(), 2)
	require.ErrorIs(t, err, ErrSubscriberFull)

	require.Equal(t, 1, <-sub.C())
}

func TestBus_CloseUnblocksSubscribers(t *testing.T) {
	b := New[int]()
	sub, err := b.Subscribe(1, Block)
	require.NoError(t, err)

	b.Close()

	_, ok := <-sub.C()
	require.False(t, ok)

	_, err = b.Subscribe(1, Block)
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, b.Publish(context.Background(), 1), ErrClosed)
}
