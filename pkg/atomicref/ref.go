// Package atomicref provides a mutex-guarded reference cell whose value can be
// read, tested and replaced as one step.
//
// It is used where a handle (a pending timer, a scheduled check) must be
// inspected and swapped without another goroutine observing a partial state.
package atomicref

import "sync"

// Ref holds a value of type T. The zero value is ready to use and holds the
// zero value of T.
type Ref[T any] struct {
	mu sync.Mutex
	v  T
}

// New returns a Ref holding v.
func New[T any](v T) *Ref[T] {
	return &Ref[T]{v: v}
}

func (r *Ref[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.v
}

func (r *Ref[T]) Set(v T) {
	r.mu.Lock()
	r.v = v
	r.mu.Unlock()
}

// GetAndSet stores v and returns the previous value.
func (r *Ref[T]) GetAndSet(v T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.v
	r.v = v
	return old
}

// Compute stores fn(old) and returns the new value.
// fn runs under the lock and must not call back into r.
func (r *Ref[T]) Compute(fn func(old T) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.v = fn(r.v)
	return r.v
}

// Replace calls fn with the current value; if fn returns ok, its result is
// stored. It returns the previous value and whether it was replaced.
func (r *Ref[T]) Replace(fn func(old T) (T, bool)) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.v
	next, ok := fn(old)
	if ok {
		r.v = next
	}
	return old, ok
}

// Apply calls fn with the current value while holding the lock.
func (r *Ref[T]) Apply(fn func(v T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.v)
}
