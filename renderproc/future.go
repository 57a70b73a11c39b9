package renderproc

import (
	"context"
	"sync"
	"time"
)

// Future is a value that becomes available once. The zero value is not usable, see [NewFuture].
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the value and wakes all waiters. Only the first call has
// an effect, it reports whether v was stored.
func (f *Future[T]) Resolve(v T) (stored bool) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
		stored = true
	})
	return stored
}

// Done is closed when the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether the future is resolved.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait waits for the value for at most timeout, or forever when timeout
// is zero, and while ctx is not done. ok is false if the value is not available.
func (f *Future[T]) Wait(ctx context.Context, timeout time.Duration) (v T, ok bool) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-f.done:
		return f.val, true
	case <-ctx.Done():
		// Prefer a value that raced with the deadline.
		if f.Ready() {
			return f.val, true
		}
		return v, false
	}
}

// pendingQueries correlates query ids with the handlers of their results.
// Ids are never reused.
type pendingQueries struct {
	mu      sync.Mutex
	lastID  int64
	pending map[int64]func(args []any)
}

// add registers handle and returns the id of the query.
func (pq *pendingQueries) add(handle func(args []any)) int64 {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.pending == nil {
		pq.pending = make(map[int64]func([]any))
	}
	pq.lastID++
	pq.pending[pq.lastID] = handle
	return pq.lastID
}

// take removes and returns the handler of id.
func (pq *pendingQueries) take(id int64) (func(args []any), bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	h, ok := pq.pending[id]
	delete(pq.pending, id)
	return h, ok
}

func (pq *pendingQueries) len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.pending)
}
