package vm

import (
	"sync"
	"sync/atomic"
)

var nextFutureID atomic.Uint64

// Future is the placeholder result of a spawned process. It is completed
// exactly once; waiters are parked process ids the scheduler re-readies
// on completion.
type Future struct {
	ID uint64

	mu      sync.Mutex
	done    bool
	result  Value
	err     error
	waiters []uint64
}

// NewFuture allocates a pending future.
func NewFuture() *Future {
	return &Future{ID: nextFutureID.Add(1)}
}

// FromFuture wraps a future as a value.
func FromFuture(f *Future) Value {
	return Value{kind: KindFuture, num: f.ID, obj: f}
}

// Complete resolves the future. Completing twice is an internal error.
func (f *Future) Complete(result Value, err error) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		panic(corrupt("future completed twice"))
	}
	f.done = true
	f.result = result
	f.err = err
	w := f.waiters
	f.waiters = nil
	return w
}

// Poll returns the result when resolved. The third result reports
// readiness.
func (f *Future) Poll() (Value, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err, f.done
}

// AddWaiter parks a process id to be woken on completion. Returns false
// (and does not park) when the future is already resolved.
func (f *Future) AddWaiter(pid uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.waiters = append(f.waiters, pid)
	return true
}
