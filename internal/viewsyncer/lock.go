package viewsyncer

import (
	"context"
	"time"
)

// Lock is a fair mutex: goroutines acquire it in the order they call
// Acquire. A client RPC and the replica-advance loop both hold this
// lock across suspension points (storage reads/writes, pipeline
// hydration, poker sends), so ordinary sync.Mutex's unspecified
// wakeup order isn't good enough — the group's CVR mutation history
// must be reproducible from the order requests actually arrived in,
// not from however the runtime happened to schedule the holders. A
// buffered channel of capacity one gives this for free: Go's channel
// implementation queues blocked receivers in arrival order.
type Lock struct {
	ch chan struct{}
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	l := &Lock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case <-l.ch:
		lockWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the lock to the next waiter in line.
func (l *Lock) Release() {
	l.ch <- struct{}{}
}
