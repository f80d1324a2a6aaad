// Package queue provides the bounded sample FIFO shared between the
// transfer-processing goroutine and application readers/writers. The
// transfer side never blocks: it drops on a full queue and repeats the last
// value on an empty one, recording the fault. The application side blocks
// under a timeout.
package queue

import (
	"sync"
	"time"
)

// Queue is a bounded FIFO of samples. All methods are safe for concurrent
// use by one producer and one consumer goroutine per direction.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf  []float32
	head int
	size int

	closed bool
	last   float32

	// sticky one-shot fault flags
	overflow  bool
	underflow bool

	dropped uint64
}

// Stats is a point-in-time snapshot used by the monitor server.
type Stats struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Dropped uint64 `json:"dropped"`
}

func New(capacity int) *Queue {
	q := &Queue{buf: make([]float32, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Cap() int { return len(q.buf) }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: q.size, Cap: len(q.buf), Dropped: q.dropped}
}

func (q *Queue) push(v float32) {
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	q.last = v
	q.notEmpty.Signal()
}

func (q *Queue) pop() float32 {
	v := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.notFull.Signal()
	return v
}

// PushDrop appends a sample without blocking. If the queue is full the
// sample is discarded and the overflow fault is raised. Transfer-side only.
func (q *Queue) PushDrop(v float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		q.overflow = true
		q.dropped++
		return
	}
	q.push(v)
}

// Drop records a discarded sample without touching the buffer. Used when a
// producer must drop a whole multi-queue tuple to keep queues aligned.
func (q *Queue) Drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.overflow = true
	q.dropped++
}

// Full reports whether the queue has no space. Meaningful only to the sole
// producer, since consumers can only make room.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == len(q.buf)
}

// PopRepeat removes a sample without blocking. If the queue is empty the
// most recently seen value is returned again and the underflow fault is
// raised. Transfer-side only.
func (q *Queue) PopRepeat() float32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		q.underflow = true
		return q.last
	}
	return q.pop()
}

// Push appends a sample, blocking up to timeout for space. A zero timeout
// never blocks. Returns false if no space became available or the queue was
// closed.
func (q *Queue) Push(v float32, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if !q.waitFor(q.notFull, func() bool { return q.size < len(q.buf) }, timeout) {
		return false
	}
	q.push(v)
	return true
}

// Pop removes the oldest sample, blocking up to timeout for data. A zero
// timeout never blocks.
func (q *Queue) Pop(timeout time.Duration) (float32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.waitFor(q.notEmpty, func() bool { return q.size > 0 }, timeout) {
		return 0, false
	}
	return q.pop(), true
}

// waitFor blocks on cond until ready() or timeout. Caller holds q.mu.
func (q *Queue) waitFor(cond *sync.Cond, ready func() bool, timeout time.Duration) bool {
	if ready() {
		return true
	}
	if timeout == 0 || q.closed {
		return false
	}
	deadline := time.Now().Add(timeout)
	stop := time.AfterFunc(timeout, cond.Broadcast)
	defer stop.Stop()
	for !ready() {
		if q.closed || !time.Now().Before(deadline) {
			return false
		}
		cond.Wait()
	}
	return true
}

// Close wakes every blocked caller and makes subsequent blocking calls fail
// immediately. Used when a run finishes so readers do not wait out their
// full timeout on a dead stream.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Reset clears contents, faults, and the closed flag so the queue can carry
// the next run.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.size = 0
	q.last = 0
	q.closed = false
	q.overflow = false
	q.underflow = false
	q.dropped = 0
}

// Overflow reports whether the producer dropped samples since the last call,
// clearing the fault.
func (q *Queue) Overflow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.overflow
	q.overflow = false
	return v
}

// Underflow reports whether the consumer ran the queue dry since the last
// call, clearing the fault.
func (q *Queue) Underflow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.underflow
	q.underflow = false
	return v
}
