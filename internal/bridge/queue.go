package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBackpressure is returned by [Queue.Push] under [PolicyBlock] when the
// queue stayed full for longer than the block timeout.
var ErrBackpressure = errors.New("bridge: backpressure")

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("bridge: queue closed")

// Policy decides what Push does when the queue is full.
type Policy int

const (
	// PolicyBlock waits for space, up to the block timeout.
	PolicyBlock Policy = iota

	// PolicyDropOldest evicts the oldest queued chunk to make room.
	PolicyDropOldest
)

// String returns the config spelling of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop_oldest"
	default:
		return "Policy(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePolicy parses "block" or "drop_oldest". The empty string is
// PolicyBlock.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return PolicyBlock, nil
	case "drop_oldest":
		return PolicyDropOldest, nil
	default:
		return 0, fmt.Errorf("bridge: unknown backpressure policy %q", s)
	}
}

// Chunk is one unit of PCM in flight, tagged with its position in the
// stream. Seq starts at 1 and increases by one per pushed chunk, so gaps
// reveal drops.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// Queue is a bounded FIFO between a single producer and a single consumer.
// It never holds more than its capacity.
type Queue struct {
	ch      chan Chunk
	policy  Policy
	timeout time.Duration

	seq     atomic.Uint64 // written by the producer only
	dropped atomic.Uint64
	onDrop  func(Chunk) // called by the producer after each eviction

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewQueue returns a queue holding at most capacity chunks. Under
// PolicyBlock a zero timeout waits for ctx only.
func NewQueue(capacity int, policy Policy, timeout time.Duration) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan Chunk, capacity),
		policy:  policy,
		timeout: timeout,
	}
}

// Push appends data and returns the chunk as queued. Only the producer may
// call Push.
func (q *Queue) Push(ctx context.Context, data []byte) (Chunk, error) {
	if q.closed.Load() {
		return Chunk{}, ErrQueueClosed
	}
	c := Chunk{Seq: q.seq.Load() + 1, Data: data}

	// Fast path.
	select {
	case q.ch <- c:
		q.seq.Add(1)
		return c, nil
	default:
	}

	switch q.policy {
	case PolicyDropOldest:
		for {
			select {
			case old := <-q.ch:
				q.dropped.Add(1)
				if q.onDrop != nil {
					q.onDrop(old)
				}
			default:
			}
			select {
			case q.ch <- c:
				q.seq.Add(1)
				return c, nil
			default:
				// Unreachable with a single producer.
			}
		}

	default:
		var timeout <-chan time.Time
		if q.timeout > 0 {
			t := time.NewTimer(q.timeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case q.ch <- c:
			q.seq.Add(1)
			return c, nil
		case <-timeout:
			return Chunk{}, fmt.Errorf("%w: queue full (%d chunks) for %s", ErrBackpressure, cap(q.ch), q.timeout)
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Pop removes the oldest chunk. It returns false once the queue is closed
// and drained, or when ctx is done.
func (q *Queue) Pop(ctx context.Context) (Chunk, bool) {
	select {
	case c, ok := <-q.ch:
		return c, ok
	case <-ctx.Done():
		return Chunk{}, false
	}
}

// Close marks the end of the stream. Queued chunks remain poppable. Only the
// producer may call Close; it is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the number of chunks evicted under PolicyDropOldest.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Pushed returns the sequence number of the last queued chunk.
func (q *Queue) Pushed() uint64 { return q.seq.Load() }
