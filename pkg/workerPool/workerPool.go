// Package workerpool caps the number of concurrently running tasks. Tasks
// are grouped into rooms so independent callers can wait for, and collect
// errors of, only their own tasks while sharing one global concurrency cap.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("workerpool: pool closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	mu     sync.RWMutex
	closed bool
}

type Config struct {
	// WorkerCount is the maximum number of tasks running at once.
	WorkerCount int
	// GlobalBuffer is the number of tasks that may wait for a worker.
	GlobalBuffer int
}

// Room collects the outcome of a group of tasks.
type Room struct {
	wp *WorkerPool
	wg sync.WaitGroup

	errMu sync.Mutex
	errs  []error
}

type Task struct {
	run  func() error
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 0 {
		config.GlobalBuffer = 0
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

// WorkerCount returns the concurrency cap of the pool.
func (wp *WorkerPool) WorkerCount() int {
	return wp.config.WorkerCount
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		err := t.run()
		if err != nil {
			t.room.errMu.Lock()
			t.room.errs = append(t.room.errs, err)
			t.room.errMu.Unlock()
		}
		t.room.wg.Done()
	}
}

// Close stops the workers once queued tasks drained. Close is idempotent.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.taskQueue)
}

func (wp *WorkerPool) CreateRoom() *Room {
	return &Room{wp: wp}
}

// NewTaskWaitForFreeSlot queues job, blocking until the pool accepts it or
// ctx is done.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() error) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- Task{run: job, room: ro}:
		return nil
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// Wait blocks until every queued task of the room finished and returns
// their errors joined.
func (ro *Room) Wait() error {
	ro.wg.Wait()
	ro.errMu.Lock()
	defer ro.errMu.Unlock()
	return errors.Join(ro.errs...)
}
