package keylock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireIsExclusivePerKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	release, err := s.Acquire(ctx, "demo:1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A different key does not contend.
	otherRelease, err := s.Acquire(ctx, "demo:2")
	if err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
	otherRelease()

	acquired := make(chan struct{})
	go func() {
		release, err := s.Acquire(ctx, "demo:1")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestLockStateIsEphemeral(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(ctx, "demo:1")
			if err != nil {
				t.Error(err)
				return
			}
			release()
		}()
	}
	wg.Wait()

	if got := s.Len(); got != 0 {
		t.Fatalf("expected no lock state after release, got %d keys", got)
	}
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()

	s := New()

	release, err := s.Acquire(context.Background(), "demo:1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Acquire(ctx, "demo:1"); err == nil {
		t.Fatal("expected context error")
	}

	release()
	if got := s.Len(); got != 0 {
		t.Fatalf("expected no lock state, got %d keys", got)
	}
}
