package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-apime/disparador/internal/pkg/queue"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Event{ID: "1", SessionID: "s1", Type: "session-status"}))
	require.NoError(t, q.Enqueue(ctx, queue.Event{ID: "2", SessionID: "s1", Type: "new-message"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "1", first.ID)

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", second.ID)
}

func TestMemoryQueue_Full(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Event{ID: "1"}))
	assert.ErrorIs(t, q.Enqueue(ctx, queue.Event{ID: "2"}), queue.ErrFull)
}

func TestMemoryQueue_DequeueTimeout(t *testing.T) {
	q := NewQueue(1)

	event, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), queue.Event{ID: "1"}), queue.ErrClosed)

	_, err := q.Dequeue(context.Background(), time.Second)
	assert.ErrorIs(t, err, queue.ErrClosed)
}
