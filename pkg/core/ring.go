package core

// Ring is a bounded FIFO window. Pushing past Limit drops the oldest items,
// so per-family histories never grow without bound.
type Ring[T any] struct {
	Limit int `msgpack:"limit" json:"limit"`
	Items []T `msgpack:"items" json:"items"`
}

// NewRing creates an empty window holding at most limit items.
func NewRing[T any](limit int) Ring[T] {
	if limit < 1 {
		limit = 1
	}
	return Ring[T]{Limit: limit, Items: make([]T, 0, limit)}
}

// Push appends v, evicting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	if r.Limit < 1 {
		r.Limit = 1
	}
	r.Items = append(r.Items, v)
	if over := len(r.Items) - r.Limit; over > 0 {
		copy(r.Items, r.Items[over:])
		r.Items = r.Items[:r.Limit]
	}
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return len(r.Items) }

// Values returns a copy of the items, oldest first.
func (r *Ring[T]) Values() []T {
	return append([]T(nil), r.Items...)
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if len(r.Items) == 0 {
		return zero, false
	}
	return r.Items[len(r.Items)-1], true
}

// Resize changes the limit, keeping the newest items.
func (r *Ring[T]) Resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	r.Limit = limit
	if over := len(r.Items) - limit; over > 0 {
		r.Items = append([]T(nil), r.Items[over:]...)
	}
}

// Reset drops all items.
func (r *Ring[T]) Reset() {
	r.Items = r.Items[:0]
}
