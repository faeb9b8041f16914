package packnet

// nextPow2Uint64 returns the smallest power of two >= v with a minimum of 1.
func nextPow2Uint64(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// RingBuffer is a fixed-size circular buffer for items of any type.
// Mutations take the lock in synchronous mode, inspections in asynchronous mode.
type RingBuffer[T any] struct {
	buf  []T        // underlying buffer array.
	mask uint64     // mask for index wrapping.
	head uint64     // next position to read from.
	tail uint64     // next position to write to.
	lock SpinRWLock // guards head, tail and the slots.
}

// NewRingBuffer creates a new RingBuffer with capacity rounded up to a power of two.
func NewRingBuffer[T any](size uint64) *RingBuffer[T] {
	cap := nextPow2Uint64(size)
	return &RingBuffer[T]{
		buf:  make([]T, cap),
		mask: cap - 1,
	}
}

// Enqueue adds an item to the buffer. It returns false if the buffer is full.
func (r *RingBuffer[T]) Enqueue(item T) bool {
	r.lock.SyncLock()
	defer r.lock.SyncUnlock()
	if (r.tail - r.head) == uint64(len(r.buf)) {
		return false // buffer is full.
	}
	r.buf[r.tail&r.mask] = item
	r.tail++
	return true
}

// Dequeue removes and returns an item. It returns false if the buffer is empty.
func (r *RingBuffer[T]) Dequeue() (T, bool) {
	var zero T
	r.lock.SyncLock()
	defer r.lock.SyncUnlock()
	if r.tail == r.head {
		return zero, false // buffer is empty.
	}
	idx := r.head & r.mask
	item := r.buf[idx]
	r.buf[idx] = zero // drop the reference so the slot does not pin the item.
	r.head++
	return item, true
}

// Drain removes every item and returns them in FIFO order.
func (r *RingBuffer[T]) Drain() []T {
	var zero T
	r.lock.SyncLock()
	defer r.lock.SyncUnlock()
	out := make([]T, 0, r.tail-r.head)
	for r.head != r.tail {
		idx := r.head & r.mask
		out = append(out, r.buf[idx])
		r.buf[idx] = zero
		r.head++
	}
	return out
}

// Len returns the number of items in the buffer.
func (r *RingBuffer[T]) Len() uint64 {
	r.lock.AsyncLock()
	defer r.lock.AsyncUnlock()
	return r.tail - r.head
}

// Cap returns the capacity of the buffer.
func (r *RingBuffer[T]) Cap() uint64 {
	return uint64(len(r.buf))
}
