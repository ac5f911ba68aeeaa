package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConversationLock_TryAcquire(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	token, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("first TryAcquire should succeed")
	}
	if token == NoToken {
		t.Error("successful acquire should return a token")
	}

	// Second TryAcquire on a held lock should fail without blocking.
	if _, ok := lock.TryAcquire(); ok {
		t.Error("second TryAcquire should fail while held")
	}

	lock.Release(token)

	if _, ok := lock.TryAcquire(); !ok {
		t.Error("TryAcquire should succeed after release")
	}
}

func TestConversationLock_ReleaseStaleToken(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	first, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("failed to acquire lock")
	}
	lock.Release(first)

	second, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("failed to reacquire lock")
	}

	// Releasing with the previous holder's token must not disturb the
	// current holder.
	lock.Release(first)
	if !lock.Held() {
		t.Error("stale release must not free the lock")
	}

	// Double release with the current token: first frees, second is a
	// no-op.
	lock.Release(second)
	lock.Release(second)
	if lock.Held() {
		t.Error("lock should be free after release")
	}

	// The slot must still admit exactly one holder.
	if _, ok := lock.TryAcquire(); !ok {
		t.Error("lock should be acquirable after double release")
	}
	if _, ok := lock.TryAcquire(); ok {
		t.Error("double release must not create a second slot")
	}
}

func TestConversationLock_AcquireTimeout(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	token, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("failed to acquire lock")
	}

	_, err := lock.Acquire(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got: %v", err)
	}

	lock.Release(token)

	if _, err := lock.Acquire(context.Background(), 50*time.Millisecond); err != nil {
		t.Errorf("expected acquire to succeed after release, got: %v", err)
	}
}

func TestConversationLock_AcquireContextCancel(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	token, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("failed to acquire lock")
	}
	defer lock.Release(token)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lock.Acquire(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestConversationLock_AcquireHandsOff(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	token, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("failed to acquire lock")
	}

	done := make(chan Token, 1)
	go func() {
		tok, err := lock.Acquire(context.Background(), 2*time.Second)
		if err != nil {
			t.Errorf("waiting acquire failed: %v", err)
		}
		done <- tok
	}()

	// Give the waiter time to block, then release.
	time.Sleep(50 * time.Millisecond)
	lock.Release(token)

	select {
	case tok := <-done:
		lock.Release(tok)
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never completed after release")
	}
}

func TestConversationLock_MutualExclusion(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	const goroutines = 50
	var (
		inside atomic.Int32
		hits   atomic.Int32
		wg     sync.WaitGroup
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := lock.Acquire(context.Background(), 5*time.Second)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			if n := inside.Add(1); n > 1 {
				t.Errorf("%d goroutines in critical section", n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			hits.Add(1)
			lock.Release(token)
		}()
	}
	wg.Wait()

	if got := hits.Load(); got != goroutines {
		t.Errorf("expected %d completions, got %d", goroutines, got)
	}
	if lock.Held() {
		t.Error("lock should be free after all goroutines finish")
	}
}

func TestConversationLock_Info(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lock := newConversationLock("conv-1", func() time.Time { return now })

	info := lock.Info()
	if info.Held {
		t.Error("new lock should not be held")
	}
	if info.ConversationID != "conv-1" {
		t.Errorf("unexpected conversation id: %s", info.ConversationID)
	}

	token, _ := lock.TryAcquire()
	info = lock.Info()
	if !info.Held {
		t.Error("lock should report held after acquire")
	}
	if !info.AcquiredAt.Equal(now) {
		t.Errorf("expected AcquiredAt %v, got %v", now, info.AcquiredAt)
	}

	later := now.Add(45 * time.Second)
	if got := info.HeldFor(later); got != 45*time.Second {
		t.Errorf("expected HeldFor 45s, got %v", got)
	}

	lock.Release(token)
	if lock.Info().Held {
		t.Error("lock should report free after release")
	}
}

func TestConversationLock_WaiterCount(t *testing.T) {
	lock := newConversationLock("conv-1", time.Now)

	token, _ := lock.TryAcquire()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := lock.Acquire(context.Background(), 2*time.Second)
			if err == nil {
				lock.Release(tok)
			}
		}()
	}

	// Wait for the waiters to park.
	deadline := time.Now().Add(time.Second)
	for lock.Info().Waiters != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 waiters, got %d", lock.Info().Waiters)
		}
		time.Sleep(5 * time.Millisecond)
	}

	lock.Release(token)
	wg.Wait()

	if got := lock.Info().Waiters; got != 0 {
		t.Errorf("expected 0 waiters after drain, got %d", got)
	}
}

func TestConversationLock_IdleFor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lock := newConversationLock("conv-1", func() time.Time { return now })

	later := now.Add(time.Minute)
	if got := lock.idleFor(later); got != time.Minute {
		t.Errorf("expected idle 1m, got %v", got)
	}

	token, _ := lock.TryAcquire()
	if got := lock.idleFor(later); got != 0 {
		t.Errorf("held lock should report zero idle, got %v", got)
	}
	lock.Release(token)
}
