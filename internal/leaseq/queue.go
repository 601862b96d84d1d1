package leaseq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is returned to every waiter, and by every later lease
// attempt, once the owning pool begins shutdown.
var ErrQueueClosed = errors.New("lease queue closed")

// ErrHandleRemoved is returned to specific waiters whose handle was
// permanently removed while they were blocked.
var ErrHandleRemoved = errors.New("instance removed from queue")

// ErrUnknownKey is returned by LeaseSpecific when the key resolves to no
// registered handle, or to a handle that has been permanently removed.
type ErrUnknownKey struct {
	Key string
}

func (e *ErrUnknownKey) Error() string {
	return fmt.Sprintf("no instance matches %q", e.Key)
}

type waiter[T comparable] struct {
	ch      chan T
	granted bool
	err     error // set before ch is closed
}

// Queue is a blocking FIFO of idle handles with an index by key. A handle
// is either idle (on the queue), leased to exactly one caller, or removed.
// LeaseAny callers are served in arrival order; LeaseSpecific callers each
// get the next idle event of their handle, unordered against anyone else.
type Queue[T comparable] struct {
	mu sync.Mutex

	idle    []T
	byKey   map[string]T
	isIdle  map[T]bool
	removed map[T]bool
	closed  bool

	anyWaiters  []*waiter[T]
	specWaiters map[T][]*waiter[T]
}

func New[T comparable]() *Queue[T] {
	return &Queue[T]{
		byKey:       make(map[string]T),
		isIdle:      make(map[T]bool),
		removed:     make(map[T]bool),
		specWaiters: make(map[T][]*waiter[T]),
	}
}

// Register makes a handle addressable by the given keys and places it on
// the queue. Called once per handle at pool startup.
func (q *Queue[T]) Register(handle T, keys ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range keys {
		q.byKey[k] = handle
	}
	q.grantOrEnqueueLocked(handle)
}

// LeaseAny blocks until any handle is idle. On cancellation no handle is
// consumed.
func (q *Queue[T]) LeaseAny(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrQueueClosed
	}
	if len(q.idle) > 0 {
		handle := q.idle[0]
		q.idle = q.idle[1:]
		q.isIdle[handle] = false
		q.mu.Unlock()
		return handle, nil
	}
	w := &waiter[T]{ch: make(chan T, 1)}
	q.anyWaiters = append(q.anyWaiters, w)
	q.mu.Unlock()

	return q.await(ctx, w)
}

// LeaseSpecific blocks until the handle addressed by key is idle. Unknown
// keys fail immediately.
func (q *Queue[T]) LeaseSpecific(ctx context.Context, key string) (T, error) {
	var zero T
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrQueueClosed
	}
	handle, ok := q.byKey[key]
	if !ok || q.removed[handle] {
		q.mu.Unlock()
		return zero, &ErrUnknownKey{Key: key}
	}
	if q.isIdle[handle] {
		q.extractIdleLocked(handle)
		q.mu.Unlock()
		return handle, nil
	}
	w := &waiter[T]{ch: make(chan T, 1)}
	q.specWaiters[handle] = append(q.specWaiters[handle], w)
	q.mu.Unlock()

	return q.await(ctx, w)
}

func (q *Queue[T]) await(ctx context.Context, w *waiter[T]) (T, error) {
	var zero T
	select {
	case handle, ok := <-w.ch:
		if !ok {
			if w.err != nil {
				return zero, w.err
			}
			return zero, ErrQueueClosed
		}
		return handle, nil
	case <-ctx.Done():
	}

	// Cancelled. A grant may have raced the cancellation; if it did, the
	// handle is sitting in the buffered channel and must go back on the
	// queue rather than leak.
	q.mu.Lock()
	if w.granted {
		q.mu.Unlock()
		if handle, ok := <-w.ch; ok {
			q.Release(handle)
		}
		return zero, ctx.Err()
	}
	q.dropWaiterLocked(w)
	q.mu.Unlock()
	return zero, ctx.Err()
}

// Release returns a leased handle to the tail, or hands it straight to a
// waiter. Handles removed while leased are dropped silently.
func (q *Queue[T]) Release(handle T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.removed[handle] {
		return
	}
	if q.isIdle[handle] {
		// Double release is a programming error upstream; keep the
		// either-idle-or-leased invariant intact.
		return
	}
	q.grantOrEnqueueLocked(handle)
}

// Remove permanently extracts a handle, idle or leased. Specific waiters
// for it fail immediately; if currently leased, the eventual Release drops
// it.
func (q *Queue[T]) Remove(handle T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed[handle] = true
	if q.isIdle[handle] {
		q.extractIdleLocked(handle)
		q.isIdle[handle] = false
	}
	for _, w := range q.specWaiters[handle] {
		if !w.granted {
			w.err = ErrHandleRemoved
			close(w.ch)
		}
	}
	delete(q.specWaiters, handle)
}

// Close fails every waiter and rejects all future leases. Idle handles are
// retained so the pool can still enumerate them for shutdown.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.anyWaiters {
		if !w.granted {
			close(w.ch)
		}
	}
	q.anyWaiters = nil
	for _, ws := range q.specWaiters {
		for _, w := range ws {
			if !w.granted {
				close(w.ch)
			}
		}
	}
	q.specWaiters = make(map[T][]*waiter[T])
}

// IdleCount reports how many handles are currently on the queue.
func (q *Queue[T]) IdleCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.idle)
}

// Lookup resolves a key without leasing.
func (q *Queue[T]) Lookup(key string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.byKey[key]
	if !ok || q.removed[h] {
		var zero T
		return zero, false
	}
	return h, true
}

// grantOrEnqueueLocked routes an idle handle: its own specific waiters
// first, then the head of the any-waiter line, else the queue tail.
func (q *Queue[T]) grantOrEnqueueLocked(handle T) {
	for len(q.specWaiters[handle]) > 0 {
		w := q.specWaiters[handle][0]
		q.specWaiters[handle] = q.specWaiters[handle][1:]
		if len(q.specWaiters[handle]) == 0 {
			delete(q.specWaiters, handle)
		}
		w.granted = true
		w.ch <- handle
		return
	}
	for len(q.anyWaiters) > 0 {
		w := q.anyWaiters[0]
		q.anyWaiters = q.anyWaiters[1:]
		w.granted = true
		w.ch <- handle
		return
	}
	q.idle = append(q.idle, handle)
	q.isIdle[handle] = true
}

func (q *Queue[T]) extractIdleLocked(handle T) {
	for i, h := range q.idle {
		if h == handle {
			q.idle = append(q.idle[:i], q.idle[i+1:]...)
			break
		}
	}
	q.isIdle[handle] = false
}

func (q *Queue[T]) dropWaiterLocked(w *waiter[T]) {
	for i, cand := range q.anyWaiters {
		if cand == w {
			q.anyWaiters = append(q.anyWaiters[:i], q.anyWaiters[i+1:]...)
			return
		}
	}
	for handle, ws := range q.specWaiters {
		for i, cand := range ws {
			if cand == w {
				q.specWaiters[handle] = append(ws[:i], ws[i+1:]...)
				if len(q.specWaiters[handle]) == 0 {
					delete(q.specWaiters, handle)
				}
				return
			}
		}
	}
}
