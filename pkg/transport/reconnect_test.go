package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
)

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(time.Minute)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.Next(), "step %d", i)
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	b := newBackoff(time.Minute)
	b.Next()
	b.Next()
	b.Next()

	// A short-lived connection keeps the schedule position.
	b.ObserveConnection(5 * time.Second)
	assert.Equal(t, 8*time.Second, b.Next())

	// A stable connection snaps back to the first step.
	b.ObserveConnection(2 * time.Minute)
	assert.Equal(t, time.Second, b.Next())
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := newMessageQueue(2)

	require.NoError(t, q.Push(&protocol.Response{ID: "a"}, router.PriorityNormal))
	require.NoError(t, q.Push(&protocol.Response{ID: "b"}, router.PriorityNormal))

	err := q.Push(&protocol.Response{ID: "c"}, router.PriorityCritical)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueDrainsByPriorityThenArrival(t *testing.T) {
	q := newMessageQueue(10)

	require.NoError(t, q.Push(&protocol.Response{ID: "low-1"}, router.PriorityLow))
	require.NoError(t, q.Push(&protocol.Response{ID: "high-1"}, router.PriorityHigh))
	require.NoError(t, q.Push(&protocol.Response{ID: "normal-1"}, router.PriorityNormal))
	require.NoError(t, q.Push(&protocol.Response{ID: "high-2"}, router.PriorityHigh))
	require.NoError(t, q.Push(&protocol.Response{ID: "critical-1"}, router.PriorityCritical))

	var order []string
	for _, msg := range q.Drain() {
		order = append(order, msg.CorrelationID())
	}
	assert.Equal(t, []string{"critical-1", "high-1", "high-2", "normal-1", "low-1"}, order)
	assert.Zero(t, q.Len())
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newMessageQueue(100)
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Push(&protocol.Response{ID: fmt.Sprintf("r%02d", i)}, router.PriorityNormal))
	}

	drained := q.Drain()
	require.Len(t, drained, 20)
	for i, msg := range drained {
		assert.Equal(t, fmt.Sprintf("r%02d", i), msg.CorrelationID())
	}
}
