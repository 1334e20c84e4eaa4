package locker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/bonus/locker"
)

func TestLocalMutualExclusion(t *testing.T) {
	l := locker.NewLocal()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "user-1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			_ = lease.Release(ctx)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if n := l.Held(); n != 0 {
		t.Errorf("expected no keys left, got %d", n)
	}
}

func TestLocalKeysIndependent(t *testing.T) {
	l := locker.NewLocal()
	ctx := context.Background()

	a, err := l.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release(ctx)

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	b, err := l.Acquire(ctx2, "b")
	if err != nil {
		t.Fatalf("acquiring an unrelated key blocked: %v", err)
	}
	_ = b.Release(ctx)
}

func TestLocalAcquireHonorsContext(t *testing.T) {
	l := locker.NewLocal()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(waitCtx, "user-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_ = held.Release(ctx)
	if n := l.Held(); n != 0 {
		t.Errorf("expected no keys left, got %d", n)
	}
}

func TestLocalReleaseTwice(t *testing.T) {
	l := locker.NewLocal()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	_ = lease.Release(ctx)
	_ = lease.Release(ctx)

	again, err := l.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	_ = again.Release(ctx)
}
