package ringbuffer

// RingBuffer is a fixed capacity circular buffer.
//
// It has no internal locking. Exactly one producer may call the writing
// methods (Put, PutSlice) and exactly one consumer the reading ones
// (Get, Peek*). In this repository both sides run on the event loop
// goroutine, so the single-writer rule holds by construction.
type RingBuffer[T any] struct {
	pool []T
	head int
	tail int
	full bool
}

func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 0 {
		capacity = 0
	}

	return &RingBuffer[T]{
		pool: make([]T, capacity),
	}
}

// Put adds v to the buffer. Returns false, leaving the buffer untouched,
// when there is no free slot.
func (b *RingBuffer[T]) Put(v T) bool {
	if b.full || len(b.pool) == 0 {
		return false
	}

	b.pool[b.head] = v
	b.head = (b.head + 1) % len(b.pool)

	if b.head == b.tail {
		b.full = true
	}

	return true
}

// PutSlice adds all of values or nothing at all.
func (b *RingBuffer[T]) PutSlice(values []T) bool {
	if b.Free() < len(values) {
		return false
	}

	for _, v := range values {
		b.Put(v)
	}

	return true
}

// Get removes and returns the oldest element.
func (b *RingBuffer[T]) Get() (T, bool) {
	var zero T

	if b.IsEmpty() {
		return zero, false
	}

	v := b.pool[b.tail]
	b.pool[b.tail] = zero
	b.tail = (b.tail + 1) % len(b.pool)
	b.full = false

	return v, true
}

// Peek returns the oldest element without removing it.
func (b *RingBuffer[T]) Peek() (T, bool) {
	if b.IsEmpty() {
		var zero T
		return zero, false
	}

	return b.pool[b.tail], true
}

// PeekAt returns the element at offset from the oldest one. The offset must be
// less than Available(), otherwise the returned value is meaningless.
func (b *RingBuffer[T]) PeekAt(offset int) T {
	if len(b.pool) == 0 {
		var zero T
		return zero
	}

	return b.pool[(b.tail+offset)%len(b.pool)]
}

// PeekLastAdded returns the newest element. Meaningless on an empty buffer.
func (b *RingBuffer[T]) PeekLastAdded() T {
	if len(b.pool) == 0 {
		var zero T
		return zero
	}

	return b.pool[(b.head+len(b.pool)-1)%len(b.pool)]
}

func (b *RingBuffer[T]) IsEmpty() bool {
	return b.head == b.tail && !b.full
}

func (b *RingBuffer[T]) IsFull() bool {
	return b.full
}

// Available returns the number of stored elements.
func (b *RingBuffer[T]) Available() int {
	if b.full {
		return len(b.pool)
	}

	if b.head >= b.tail {
		return b.head - b.tail
	}

	return len(b.pool) - b.tail + b.head
}

// Free returns the number of elements that can still be added.
func (b *RingBuffer[T]) Free() int {
	return len(b.pool) - b.Available()
}

func (b *RingBuffer[T]) Cap() int {
	return len(b.pool)
}

func (b *RingBuffer[T]) Reset() {
	clear(b.pool)
	b.head = 0
	b.tail = 0
	b.full = false
}
