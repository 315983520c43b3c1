package anchor

// ring 定长环形缓冲区, 按插入顺序保存元素, 超出容量时淘汰最旧的元素
type ring[T any] struct {
	buf  []T
	head int
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, max(capacity, 1))}
}

func (r *ring[T]) Len() int { return r.n }

func (r *ring[T]) Cap() int { return len(r.buf) }

// At 第 i 个元素, 0 为最旧
func (r *ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Push 追加元素, 缓冲区已满时返回被淘汰的最旧元素
func (r *ring[T]) Push(v T) (evicted T, ok bool) {
	if r.n == len(r.buf) {
		evicted, ok = r.PopFront()
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return evicted, ok
}

// PopFront 移除并返回最旧元素
func (r *ring[T]) PopFront() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return v, true
}

// Slice 按从旧到新的顺序复制所有元素
func (r *ring[T]) Slice() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}
