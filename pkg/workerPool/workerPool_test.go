package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRoomCollectsAllErrors(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 4})
	defer wp.Close()

	errA := errors.New("a")
	errB := errors.New("b")
	room := wp.CreateRoom()
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		i := i
		if err := room.NewTaskWaitForFreeSlot(context.Background(), func() error {
			ran.Add(1)
			switch i {
			case 3:
				return errA
			case 11:
				return errB
			}
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	err := room.Wait()
	if ran.Load() != 20 {
		t.Fatalf("expected 20 runs, got %d", ran.Load())
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestPoolCapsConcurrency(t *testing.T) {
	const workers = 3
	wp := NewWorkerPool(Config{WorkerCount: workers})
	defer wp.Close()

	var active, peak atomic.Int32
	var mu sync.Mutex
	roomA := wp.CreateRoom()
	roomB := wp.CreateRoom()
	task := func() error {
		n := active.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	for i := 0; i < 10; i++ {
		_ = roomA.NewTaskWaitForFreeSlot(context.Background(), task)
		_ = roomB.NewTaskWaitForFreeSlot(context.Background(), task)
	}
	if err := roomA.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := roomB.Wait(); err != nil {
		t.Fatal(err)
	}
	if peak.Load() > workers {
		t.Fatalf("peak concurrency %d exceeds %d workers", peak.Load(), workers)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	wp.Close()
	wp.Close()

	err := wp.CreateRoom().NewTaskWaitForFreeSlot(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	defer wp.Close()

	release := make(chan struct{})
	room := wp.CreateRoom()
	_ = room.NewTaskWaitForFreeSlot(context.Background(), func() error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The single worker is busy and the queue is unbuffered.
	err := room.NewTaskWaitForFreeSlot(ctx, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if err := room.Wait(); err != nil {
		t.Fatal(err)
	}
}
