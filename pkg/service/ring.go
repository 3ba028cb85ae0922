package service

// ring is a fixed-capacity buffer that overwrites its oldest entry when full.
// It is not safe for concurrent use; owners guard it with their own lock.
type ring[T any] struct {
	items []T
	next  int
	full  bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// last returns up to n of the newest entries, oldest first. n <= 0 returns all.
func (r *ring[T]) last(n int) []T {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	start := (r.next - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}
