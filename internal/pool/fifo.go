package pool

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

type waiter struct {
	ready     chan struct{}
	abandoned bool
}

// fifoLock is a mutex that grants ownership in arrival order and lets
// waiters give up through their context.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters *queue.Queue // of *waiter
}

func newFIFOLock() *fifoLock {
	return &fifoLock{waiters: queue.New()}
}

// Lock blocks until the lock is owned or ctx is done.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.waiters.Add(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-w.ready:
		// handed over while giving up; pass it on
		l.mu.Unlock()
		l.Unlock()
	default:
		w.abandoned = true
		l.mu.Unlock()
	}
	return ctx.Err()
}

// TryLock takes the lock only if nobody holds it.
func (l *fifoLock) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Unlock hands the lock to the oldest live waiter, or frees it.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.waiters.Length() > 0 {
		w := l.waiters.Remove().(*waiter)
		if w.abandoned {
			continue
		}
		close(w.ready)
		return
	}
	l.held = false
}

// Waiting returns the number of queued waiters, abandoned ones included.
func (l *fifoLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Length()
}
