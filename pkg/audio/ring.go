package audio

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a bounded, thread-safe circular store of frames shared
// between a capture goroutine and a single consumer. When the buffer is full,
// Write overwrites the oldest unread frame and increments the drop counter;
// it never blocks.
//
// The consumer waits on [RingBuffer.Notify] and then drains with
// [RingBuffer.Read] or [RingBuffer.Drain].
type RingBuffer struct {
	notify chan struct{}

	mu         sync.Mutex
	buf        []Frame
	head, tail int64
	closed     bool

	dropped atomic.Uint64
}

// NewRingBuffer creates a ring buffer holding at most capacity frames.
// capacity < 1 is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		notify: make(chan struct{}, 1),
		buf:    make([]Frame, capacity),
	}
}

// Write appends f, overwriting the oldest frame when full. Writes after
// Close are discarded and reported as false.
func (rb *RingBuffer) Write(f Frame) bool {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return false
	}
	if rb.tail-rb.head == int64(len(rb.buf)) {
		rb.buf[rb.head%int64(len(rb.buf))] = Frame{}
		rb.head++
		rb.dropped.Add(1)
	}
	rb.buf[rb.tail%int64(len(rb.buf))] = f
	rb.tail++
	rb.mu.Unlock()

	select {
	case rb.notify <- struct{}{}:
	default:
	}
	return true
}

// Read removes and returns the oldest frame. ok is false when empty.
func (rb *RingBuffer) Read() (f Frame, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.head == rb.tail {
		return Frame{}, false
	}
	i := rb.head % int64(len(rb.buf))
	f = rb.buf[i]
	rb.buf[i] = Frame{}
	rb.head++
	return f, true
}

// Drain removes up to max frames (all when max <= 0) and appends them to dst.
func (rb *RingBuffer) Drain(dst []Frame, max int) []Frame {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	n := int(rb.tail - rb.head)
	if max > 0 && n > max {
		n = max
	}
	for range n {
		i := rb.head % int64(len(rb.buf))
		dst = append(dst, rb.buf[i])
		rb.buf[i] = Frame{}
		rb.head++
	}
	return dst
}

// Notify returns a channel that receives a value after writes. A single
// notification may cover several frames.
func (rb *RingBuffer) Notify() <-chan struct{} {
	return rb.notify
}

// Len returns the number of unread frames.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.tail - rb.head)
}

// Cap returns the capacity in frames.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Dropped returns the number of frames overwritten before being read.
func (rb *RingBuffer) Dropped() uint64 {
	return rb.dropped.Load()
}

// Reset discards all unread frames without counting them as dropped.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.buf)
	rb.head, rb.tail = 0, 0
}

// Close rejects further writes. Unread frames remain readable.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
}
