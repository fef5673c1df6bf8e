package execpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := New(2, nil)
	var concurrent int32
	var maxSeen int32
	done := make(chan struct{}, 5)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		err := pool.Submit(context.Background(), Task{RunID: id, Run: func(ctx context.Context) {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			done <- struct{}{}
		}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		<-done
	}
	if maxSeen > 2 {
		t.Errorf("expected at most 2 concurrent, saw %d", maxSeen)
	}
}

func TestPool_RejectsSubmissionsWhileDraining(t *testing.T) {
	pool := New(1, nil)
	pool.StartDraining()
	err := pool.Submit(context.Background(), Task{RunID: "x", Run: func(ctx context.Context) {}})
	if err != ErrDraining {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
}

func TestPool_WaitForDrain_ReturnsTrueWhenEmpty(t *testing.T) {
	pool := New(1, nil)
	if !pool.WaitForDrain(time.Second) {
		t.Fatal("expected drain to succeed immediately when no runs active")
	}
}

func TestPool_Cancel_CancelsRunContext(t *testing.T) {
	pool := New(1, nil)
	cancelled := make(chan struct{})
	pool.Submit(context.Background(), Task{RunID: "r1", Run: func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}})

	time.Sleep(10 * time.Millisecond)
	if !pool.Cancel("r1") {
		t.Fatal("expected Cancel to find the active run")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected run context to be cancelled")
	}
}

func TestPool_ActiveCount(t *testing.T) {
	pool := New(3, nil)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		pool.Submit(context.Background(), Task{RunID: string(rune('a' + i)), Run: func(ctx context.Context) {
			<-release
		}})
	}
	time.Sleep(10 * time.Millisecond)
	if pool.ActiveCount() != 2 {
		t.Errorf("expected 2 active, got %d", pool.ActiveCount())
	}
	close(release)
	pool.WaitForDrain(time.Second)
}
