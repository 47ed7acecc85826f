package concurrency

import (
	"context"
	"fmt"
	"sync"
)

// Ticket identifies one acquisition of a FairLock.
type Ticket uint64

type lockWaiter struct {
	ticket Ticket
	ready  chan struct{}
}

// FairLock is a mutex that grants the lock strictly in arrival order.
// The zero value is unlocked.
type FairLock struct {
	mu     sync.Mutex
	last   Ticket
	holder Ticket // 0 when unlocked
	queue  []*lockWaiter
}

// Lock waits for the lock and returns the holder ticket. If ctx is done first
// the caller leaves the queue and the order of the other waiters is kept.
func (l *FairLock) Lock(ctx context.Context) (Ticket, error) {
	l.mu.Lock()
	l.last++
	t := l.last
	if l.holder == 0 && len(l.queue) == 0 {
		l.holder = t
		l.mu.Unlock()
		return t, nil
	}
	w := &lockWaiter{ticket: t, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return t, nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if l.holder == t {
		// granted while giving up; pass it on
		l.grantNextLocked()
		l.mu.Unlock()
		return 0, ctx.Err()
	}
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	return 0, ctx.Err()
}

// Release hands the lock to the next waiter. Releasing with a ticket that is
// not the current holder is a programming error and panics.
func (l *FairLock) Release(t Ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t == 0 || l.holder != t {
		panic(fmt.Sprintf("fair lock: release by ticket %d, holder is %d", t, l.holder))
	}
	l.grantNextLocked()
}

func (l *FairLock) grantNextLocked() {
	if len(l.queue) == 0 {
		l.holder = 0
		return
	}
	next := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.holder = next.ticket
	close(next.ready)
}

// LockAndRun runs fn while holding the lock and always releases it.
func (l *FairLock) LockAndRun(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := l.Lock(ctx)
	if err != nil {
		return err
	}
	defer l.Release(t)
	return fn(ctx)
}

// Locked reports whether some caller holds the lock.
func (l *FairLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != 0
}

// Waiting returns the number of queued callers.
func (l *FairLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// KeyedFairLock holds one FairLock per key, e.g. per wallet address.
type KeyedFairLock struct {
	mu    sync.Mutex
	locks map[string]*FairLock
}

func NewKeyedFairLock() *KeyedFairLock {
	return &KeyedFairLock{locks: make(map[string]*FairLock)}
}

// For returns the lock for key, creating it on first use.
func (k *KeyedFairLock) For(key string) *FairLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &FairLock{}
		k.locks[key] = l
	}
	return l
}
