package calibration

import (
	"sync"
)

// Records is an append-only sequence of results. It is safe to read while a
// run is appending to it.
type Records[T any] struct {
	items    []T
	onAppend func(T)
	mu       sync.RWMutex
}

// NewRecords returns an empty sequence.
func NewRecords[T any]() *Records[T] {
	return &Records[T]{
		items: make([]T, 0),
	}
}

// OnAppend registers fn to be called after every Append. fn runs outside
// the lock.
func (r *Records[T]) OnAppend(fn func(T)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onAppend = fn
}

// Append adds a record.
func (r *Records[T]) Append(item T) {
	r.mu.Lock()
	r.items = append(r.items, item)
	fn := r.onAppend
	r.mu.Unlock()

	if fn != nil {
		fn(item)
	}
}

// Snapshot returns a copy of the records in append order.
func (r *Records[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of records.
func (r *Records[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Reset clears all records.
func (r *Records[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make([]T, 0)
}
