package concurrency_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/concurrency"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// FairLock
// ============================================================================

func TestFairLockFIFOOrder(t *testing.T) {
	const n = 20
	var lock concurrency.FairLock
	ctx := context.Background()

	// hold the lock so every caller queues in a known order
	first, err := lock.Lock(ctx)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := lock.LockAndRun(ctx, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(100 * time.Microsecond)
				return nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
		}(i)
		waitFor(t, "caller to queue", func() bool { return lock.Waiting() == i+1 })
	}

	lock.Release(first)
	wg.Wait()

	if len(order) != n {
		t.Fatalf("got %d runs, want %d", len(order), n)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order: got %v, want 0..%d", order, n-1)
		}
	}
	if lock.Locked() {
		t.Error("lock should be free after all callers")
	}
}

func TestFairLockReleaseByNonHolderPanics(t *testing.T) {
	var lock concurrency.FairLock
	ticket, err := lock.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer lock.Release(ticket)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on release with wrong ticket")
		}
	}()
	lock.Release(ticket + 1)
}

func TestFairLockCancelledWaiterKeepsOrder(t *testing.T) {
	var lock concurrency.FairLock
	holder, _ := lock.Lock(context.Background())

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := lock.Lock(cancelCtx)
		cancelled <- err
	}()
	waitFor(t, "first waiter", func() bool { return lock.Waiting() == 1 })

	acquired := make(chan concurrency.Ticket, 1)
	go func() {
		tk, err := lock.Lock(context.Background())
		if err != nil {
			t.Errorf("second waiter: %v", err)
		}
		acquired <- tk
	}()
	waitFor(t, "second waiter", func() bool { return lock.Waiting() == 2 })

	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if lock.Waiting() != 1 {
		t.Fatalf("waiting: got %d, want 1", lock.Waiting())
	}

	lock.Release(holder)
	select {
	case tk := <-acquired:
		lock.Release(tk)
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter never acquired the lock")
	}
}

func TestLockAndRunReleasesOnError(t *testing.T) {
	var lock concurrency.FairLock
	boom := errors.New("boom")
	err := lock.LockAndRun(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if lock.Locked() {
		t.Fatal("lock still held after error")
	}
}

func TestKeyedFairLock(t *testing.T) {
	locks := concurrency.NewKeyedFairLock()
	if locks.For("a") != locks.For("a") {
		t.Error("same key must return the same lock")
	}
	if locks.For("a") == locks.For("b") {
		t.Error("different keys must return different locks")
	}
}

// ============================================================================
// ScopedRunner
// ============================================================================

func TestScopedRunnerCollectsErrors(t *testing.T) {
	var reported atomic.Int32
	runner := concurrency.NewScopedRunner(context.Background(), zerolog.Nop(), concurrency.ScopedRunnerOptions{
		OnError: func(string, error) { reported.Add(1) },
	})

	boom := errors.New("boom")
	if _, err := runner.StartThread("ok", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := runner.StartThread("fails", func(context.Context) error { return boom }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := runner.StartThread("panics", func(context.Context) error { panic("kaboom") }); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := runner.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if runner.Running() != 0 {
		t.Errorf("running: got %d, want 0", runner.Running())
	}
	if reported.Load() != 2 {
		t.Errorf("reported errors: got %d, want 2", reported.Load())
	}
	err := runner.Err()
	if !errors.Is(err, boom) {
		t.Errorf("joined error should wrap boom: %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("joined error should mention the panic: %v", err)
	}
}

func TestScopedRunnerKeepsNewestErrors(t *testing.T) {
	var reported atomic.Int32
	runner := concurrency.NewScopedRunner(context.Background(), zerolog.Nop(), concurrency.ScopedRunnerOptions{
		OnError:   func(string, error) { reported.Add(1) },
		MaxErrors: 3,
	})

	errs := make([]error, 10)
	for i := range errs {
		errs[i] = fmt.Errorf("failure %d", i)
		// one at a time, so the newest errors are known
		if _, err := runner.StartThread("fails", func(context.Context) error { return errs[i] }); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := runner.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	if reported.Load() != 10 {
		t.Errorf("reported errors: got %d, want 10", reported.Load())
	}
	err := runner.Err()
	for i, e := range errs {
		if got, want := errors.Is(err, e), i >= 7; got != want {
			t.Errorf("error %d kept: got %v, want %v", i, got, want)
		}
	}
	if !strings.Contains(err.Error(), "7 earlier thread errors omitted") {
		t.Errorf("joined error should count the dropped errors: %v", err)
	}
}

func TestScopedRunnerStopRejectsNewThreads(t *testing.T) {
	runner := concurrency.NewScopedRunner(context.Background(), zerolog.Nop(), concurrency.ScopedRunnerOptions{})
	release := make(chan struct{})
	if _, err := runner.StartThread("slow", func(context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	runner.RequestStop()
	if !runner.Stopped() {
		t.Fatal("runner should report stopped")
	}
	if _, err := runner.StartThread("late", func(context.Context) error { return nil }); !errors.Is(err, concurrency.ErrRunnerStopped) {
		t.Fatalf("got %v, want ErrRunnerStopped", err)
	}
	if runner.Running() != 1 {
		t.Fatalf("running: got %d, want 1", runner.Running())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := runner.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait with running thread: got %v, want deadline exceeded", err)
	}

	close(release)
	if err := runner.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
