package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full")
	ErrRoomBufferFull   = errors.New("workerpool: room buffer is full")
	ErrClosed           = errors.New("workerpool: pool is closed")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	closed    atomic.Bool
	closeOnce sync.Once
	mu        sync.RWMutex
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one job. Results come back in completion
// order, so tasks usually return their own identifying data.
type Room struct {
	bufferSize int
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run  func() interface{}
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
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

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops the workers once the queued tasks are done. Submitting to
// a closed pool returns ErrClosed.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed.Store(true)
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
}

// CreateRoom creates a room whose result buffer holds size results. Rooms
// that queue more than size tasks must be collected concurrently.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		bufferSize: size,
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, waiting for room in the global queue
// until ctx is done.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() interface{}) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed.Load() {
		return ErrClosed
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

// NewTask queues job without waiting.
func (ro *Room) NewTask(job func() interface{}) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrGlobalBufferFull
	}

	if len(ro.resultChan) == cap(ro.resultChan) {
		return ErrRoomBufferFull
	}

	return ro.NewTaskWaitForFreeSlot(context.Background(), job)
}

// Collect waits for every queued task of the room and returns the results.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()
	results := make([]interface{}, 0, ro.bufferSize)

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
