package ringbuf

// New creates a new ring buffer with s specified size.
func New[T any](sz int) *Buffer[T] {
	if sz <= 0 {
		sz = 1
	}
	return &Buffer[T]{
		buf: make([]T, sz),
	}
}

// Buffer keeps the most recent elements pushed into it. It is not safe for
// concurrent use.
type Buffer[T any] struct {
	buf   []T
	start int
	n     int
	// total number of elements ever pushed
	total uint64
}

// Size returns underlying size of the buffer.
func (b *Buffer[T]) Size() int {
	return len(b.buf)
}

// Len returns a number of elements currently in the buffer.
func (b *Buffer[T]) Len() int {
	return b.n
}

// Total returns how many elements were pushed over the buffer lifetime,
// including the ones that were already discarded.
func (b *Buffer[T]) Total() uint64 {
	return b.total
}

// Push adds an element into the end of the buffer. It discards the oldest element if the buffer is already full.
func (b *Buffer[T]) Push(v T) {
	b.total++
	if b.n < len(b.buf) {
		b.buf[(b.start+b.n)%len(b.buf)] = v
		b.n++
		return
	}
	b.buf[b.start] = v
	b.start = (b.start + 1) % len(b.buf)
}

// Last returns the newest element. Function returns false if the buffer is empty.
func (b *Buffer[T]) Last() (T, bool) {
	if b.n == 0 {
		var zero T
		return zero, false
	}
	return b.buf[(b.start+b.n-1)%len(b.buf)], true
}

// Items returns a copy of the buffered elements, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, 0, b.n)
	for i := 0; i < b.n; i++ {
		out = append(out, b.buf[(b.start+i)%len(b.buf)])
	}
	return out
}

// Reset drops all elements.
func (b *Buffer[T]) Reset() {
	clear(b.buf)
	b.start, b.n = 0, 0
}
