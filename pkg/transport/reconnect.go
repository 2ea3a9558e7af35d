package transport

import (
	"container/heap"
	"sync"
	"time"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
)

// backoffSteps is the reconnect schedule. The last step repeats until a
// connection survives the stable period.
var backoffSteps = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// backoff walks the reconnect schedule. Not safe for concurrent use; each
// connection loop owns one.
type backoff struct {
	idx          int
	stablePeriod time.Duration
}

func newBackoff(stablePeriod time.Duration) *backoff {
	if stablePeriod <= 0 {
		stablePeriod = time.Minute
	}
	return &backoff{stablePeriod: stablePeriod}
}

// Next returns the wait before the next attempt and advances the schedule,
// saturating at the last step.
func (b *backoff) Next() time.Duration {
	step := backoffSteps[b.idx]
	if b.idx < len(backoffSteps)-1 {
		b.idx++
	}
	return step
}

// Reset snaps the schedule back to the first step.
func (b *backoff) Reset() {
	b.idx = 0
}

// ObserveConnection feeds back how long a connection lived. Connections that
// outlast the stable period reset the schedule; short-lived ones keep the
// current position so flapping links stay throttled.
func (b *backoff) ObserveConnection(lifetime time.Duration) {
	if lifetime >= b.stablePeriod {
		b.Reset()
	}
}

// ErrQueueFull is returned when the offline queue cannot accept another
// message.
var ErrQueueFull = bridgeerrors.New(bridgeerrors.KindRequestRateLimited, "offline queue is full")

type queuedMessage struct {
	msg      protocol.Message
	priority router.Priority
	seq      uint64
}

// queueHeap orders by priority descending, FIFO within a priority.
type queueHeap []queuedMessage

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x interface{}) { *h = append(*h, x.(queuedMessage)) }

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// messageQueue buffers outbound messages while the tunnel is down. It is
// bounded: a full queue rejects rather than grow, and the producer decides
// what to drop.
type messageQueue struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	items    queueHeap
}

func newMessageQueue(capacity int) *messageQueue {
	return &messageQueue{capacity: capacity}
}

// Push enqueues a message at the given priority. It returns ErrQueueFull
// when the queue is at capacity.
func (q *messageQueue) Push(msg protocol.Message, priority router.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, queuedMessage{msg: msg, priority: priority, seq: q.seq})
	return nil
}

// Drain empties the queue in delivery order: highest priority first, oldest
// first within a priority.
func (q *messageQueue) Drain() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Message, 0, len(q.items))
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(queuedMessage)
		out = append(out, item.msg)
	}
	return out
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
